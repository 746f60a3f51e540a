package mysql

import (
	"strings"
	"testing"
)

func TestSchema(t *testing.T) {
	schema, err := Schema("app.pgwatch")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, table := range []string{"app.pgwatch_channels", "app.pgwatch_notifications", "app.pgwatch_checkpoints"} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("expected table %s in schema", table)
		}
	}
	if !strings.Contains(schema, "payload JSON") {
		t.Fatalf("expected JSON payload in schema")
	}
}

func TestSchemaBinary(t *testing.T) {
	schema, err := SchemaBinary("pgwatch")
	if err != nil {
		t.Fatalf("schema binary: %v", err)
	}
	if !strings.Contains(schema, "payload LONGBLOB") {
		t.Fatalf("expected LONGBLOB payload in schema")
	}
}

func TestSchemaRejectsInvalidPrefix(t *testing.T) {
	if _, err := Schema("pgwatch;drop"); err == nil {
		t.Fatalf("expected invalid prefix error")
	}
}
