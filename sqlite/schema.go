package sqlite

const schema = `CREATE TABLE IF NOT EXISTS pgwatch_channels (
	channel TEXT NOT NULL PRIMARY KEY,
	last_sequence INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS pgwatch_notifications (
	channel TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (channel, sequence)
);
CREATE INDEX IF NOT EXISTS pgwatch_notifications_created_at ON pgwatch_notifications (created_at);
CREATE TABLE IF NOT EXISTS pgwatch_checkpoints (
	consumer_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	last_sequence INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (consumer_id, channel)
);
CREATE INDEX IF NOT EXISTS pgwatch_checkpoints_channel ON pgwatch_checkpoints (channel, last_sequence);`

const (
	bumpSequenceQuery = `INSERT INTO pgwatch_channels (channel, last_sequence) VALUES (?, 1)
ON CONFLICT (channel) DO UPDATE SET last_sequence = last_sequence + 1
RETURNING last_sequence`

	insertQuery = `INSERT INTO pgwatch_notifications (channel, sequence, event_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`

	readRangeQuery = `SELECT sequence, event_id, payload, created_at FROM pgwatch_notifications WHERE channel = ? AND sequence > ? ORDER BY sequence LIMIT ?`

	maxSequenceQuery = `SELECT COALESCE(MAX(last_sequence), 0) FROM pgwatch_channels WHERE channel = ?`

	trimQuery = `DELETE FROM pgwatch_notifications WHERE channel = ? AND sequence < ?
AND sequence <= COALESCE((SELECT MIN(last_sequence) FROM pgwatch_checkpoints WHERE channel = ?), ?)`

	trimOlderThanQuery = `DELETE FROM pgwatch_notifications WHERE (channel, sequence) IN (
	SELECT n.channel, n.sequence FROM pgwatch_notifications n
	WHERE n.created_at <= ?
	AND n.sequence <= COALESCE((SELECT MIN(c.last_sequence) FROM pgwatch_checkpoints c WHERE c.channel = n.channel), n.sequence)
	ORDER BY n.created_at
	LIMIT ?
)`

	ensureCheckpointQuery = `INSERT INTO pgwatch_checkpoints (consumer_id, channel, last_sequence) VALUES (?, ?, ?) ON CONFLICT (consumer_id, channel) DO NOTHING`

	checkpointQuery = `SELECT last_sequence FROM pgwatch_checkpoints WHERE consumer_id = ? AND channel = ?`

	advanceCheckpointQuery = `UPDATE pgwatch_checkpoints SET last_sequence = ? WHERE consumer_id = ? AND channel = ? AND last_sequence <= ?`

	listCheckpointsQuery = `SELECT channel, last_sequence FROM pgwatch_checkpoints WHERE consumer_id = ? ORDER BY channel`

	deleteCheckpointsQuery = `DELETE FROM pgwatch_checkpoints WHERE consumer_id = ?`
)
