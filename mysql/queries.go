package mysql

import "fmt"

type queries struct {
	bumpSequence      string
	insert            string
	readRange         string
	maxSequence       string
	trim              string
	trimOlderThan     string
	ensureCheckpoint  string
	checkpoint        string
	advanceCheckpoint string
	listCheckpoints   string
	deleteCheckpoints string
}

func newQueries(prefix string) queries {
	channels := prefix + "_channels"
	notifications := prefix + "_notifications"
	checkpoints := prefix + "_checkpoints"

	return queries{
		// LAST_INSERT_ID(expr) makes the new counter value the statement's insert id.
		bumpSequence: fmt.Sprintf(
			"INSERT INTO %s (channel, last_sequence) VALUES (?, LAST_INSERT_ID(1)) "+
				"ON DUPLICATE KEY UPDATE last_sequence = LAST_INSERT_ID(last_sequence + 1)",
			channels,
		),
		insert: fmt.Sprintf(
			"INSERT INTO %s (channel, sequence, event_id, payload, created_at) VALUES (?, ?, ?, ?, ?)",
			notifications,
		),
		readRange: fmt.Sprintf(
			"SELECT sequence, event_id, payload, created_at FROM %s WHERE channel = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?",
			notifications,
		),
		maxSequence: fmt.Sprintf("SELECT COALESCE(MAX(last_sequence), 0) FROM %s WHERE channel = ?", channels),
		trim: fmt.Sprintf(
			"DELETE FROM %s WHERE channel = ? AND sequence < ? "+
				"AND sequence <= COALESCE((SELECT MIN(last_sequence) FROM %s WHERE channel = ?), ?)",
			notifications,
			checkpoints,
		),
		trimOlderThan: fmt.Sprintf(
			"DELETE FROM %[1]s WHERE created_at <= ? "+
				"AND sequence <= COALESCE((SELECT MIN(c.last_sequence) FROM %[2]s AS c WHERE c.channel = %[1]s.channel), sequence) "+
				"ORDER BY created_at ASC LIMIT ?",
			notifications,
			checkpoints,
		),
		ensureCheckpoint: fmt.Sprintf(
			"INSERT INTO %s (consumer_id, channel, last_sequence) VALUES (?, ?, ?) "+
				"ON DUPLICATE KEY UPDATE last_sequence = last_sequence",
			checkpoints,
		),
		checkpoint: fmt.Sprintf("SELECT last_sequence FROM %s WHERE consumer_id = ? AND channel = ?", checkpoints),
		advanceCheckpoint: fmt.Sprintf(
			"UPDATE %s SET last_sequence = ? WHERE consumer_id = ? AND channel = ? AND last_sequence <= ?",
			checkpoints,
		),
		listCheckpoints:   fmt.Sprintf("SELECT channel, last_sequence FROM %s WHERE consumer_id = ? ORDER BY channel ASC", checkpoints),
		deleteCheckpoints: fmt.Sprintf("DELETE FROM %s WHERE consumer_id = ?", checkpoints),
	}
}
