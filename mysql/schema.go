package mysql

import (
	"fmt"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s_channels (
	channel VARCHAR(191) NOT NULL,
	last_sequence BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (channel)
);
CREATE TABLE IF NOT EXISTS %[1]s_notifications (
	channel VARCHAR(191) NOT NULL,
	sequence BIGINT NOT NULL,
	event_id BINARY(16) NOT NULL,
	payload %[2]s NOT NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	PRIMARY KEY (channel, sequence),
	INDEX idx_created_at (created_at)
);
CREATE TABLE IF NOT EXISTS %[1]s_checkpoints (
	consumer_id VARCHAR(191) NOT NULL,
	channel VARCHAR(191) NOT NULL,
	last_sequence BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (consumer_id, channel),
	INDEX idx_channel_sequence (channel, last_sequence)
);`

const (
	payloadJSON   = "JSON"
	payloadBinary = "LONGBLOB"
)

// Schema returns the DDL for the pgwatch tables with a JSON payload column. The
// statements must run on a connection with multiStatements enabled.
func Schema(prefix string) (string, error) {
	return buildSchema(prefix, payloadJSON)
}

// SchemaBinary returns the DDL with a LONGBLOB payload column, which skips server-side
// JSON validation and normalization.
func SchemaBinary(prefix string) (string, error) {
	return buildSchema(prefix, payloadBinary)
}

func buildSchema(prefix, payloadType string) (string, error) {
	name, err := sanitizeTableName(prefix)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name, payloadType), nil
}
