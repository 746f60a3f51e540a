package postgres

const (
	publishQuery = `SELECT out_sequence, out_event_id, out_created_at FROM pgwatch_publish($1, $2::jsonb, $3::uuid)`

	readRangeQuery = `SELECT sequence, event_id, payload, created_at
FROM pgwatch_notifications
WHERE channel = $1 AND sequence > $2
ORDER BY sequence
LIMIT $3`

	maxSequenceQuery = `SELECT COALESCE((SELECT last_sequence FROM pgwatch_channels WHERE channel = $1), 0)`

	// A channel without checkpoints is bounded by the sequence argument alone.
	trimQuery = `DELETE FROM pgwatch_notifications
WHERE channel = $1
  AND sequence < $2
  AND sequence <= COALESCE((SELECT MIN(last_sequence) FROM pgwatch_checkpoints WHERE channel = $1), $2)`

	trimOlderThanQuery = `DELETE FROM pgwatch_notifications n
USING (
    SELECT d.channel, d.sequence
    FROM pgwatch_notifications d
    WHERE d.created_at <= $1
      AND d.sequence <= COALESCE(
          (SELECT MIN(c.last_sequence) FROM pgwatch_checkpoints c WHERE c.channel = d.channel), d.sequence)
    ORDER BY d.created_at, d.channel, d.sequence
    LIMIT $2
) doomed
WHERE n.channel = doomed.channel AND n.sequence = doomed.sequence`

	// The outer SELECT runs on the statement snapshot, so it sees the row only when the
	// insert was skipped.
	ensureCheckpointQuery = `WITH inserted AS (
    INSERT INTO pgwatch_checkpoints (consumer_id, channel, last_sequence)
    VALUES ($1, $2, $3)
    ON CONFLICT (consumer_id, channel) DO NOTHING
    RETURNING last_sequence
)
SELECT last_sequence FROM inserted
UNION ALL
SELECT last_sequence FROM pgwatch_checkpoints WHERE consumer_id = $1 AND channel = $2
LIMIT 1`

	checkpointQuery = `SELECT last_sequence FROM pgwatch_checkpoints WHERE consumer_id = $1 AND channel = $2`

	advanceCheckpointQuery = `UPDATE pgwatch_checkpoints
SET last_sequence = $3, updated_at = now()
WHERE consumer_id = $1 AND channel = $2 AND last_sequence <= $3`

	listCheckpointsQuery = `SELECT channel, last_sequence FROM pgwatch_checkpoints WHERE consumer_id = $1 ORDER BY channel`

	deleteCheckpointsQuery = `DELETE FROM pgwatch_checkpoints WHERE consumer_id = $1`

	deleteChannelCheckpointsQuery = `DELETE FROM pgwatch_checkpoints WHERE consumer_id = $1 AND channel = ANY($2)`

	tryLockQuery = `SELECT pg_try_advisory_lock(hashtext($1))`

	unlockQuery = `SELECT pg_advisory_unlock(hashtext($1))`
)
