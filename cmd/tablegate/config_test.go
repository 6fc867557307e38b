package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pthm/tablegate/internal/cli"
)

func TestWriteSources(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(schemaPath, []byte("tables: []"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &cli.Config{
		Schema:   schemaPath,
		Policies: filepath.Join(dir, "policies.yaml"),
		Database: cli.DatabaseConfig{URL: "postgres://app:hunter2@db/app"},
		Compile:  cli.CompileConfig{DefaultLimit: 50},
	}
	var buf bytes.Buffer
	writeSources(&buf, c, "/etc/tablegate.yaml")
	out := buf.String()

	assert.Contains(t, out, "Config file: /etc/tablegate.yaml\n")
	assert.Contains(t, out, "Schema:      "+schemaPath+" (found) [default]\n")
	assert.Contains(t, out, "policies.yaml (missing) [default]\n")
	assert.Contains(t, out, "Database:    postgres://app:xxxxx@db/app\n")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "Compile:     default limit 50, remote policies false\n")
}

func TestWriteSourcesUnconfigured(t *testing.T) {
	var buf bytes.Buffer
	writeSources(&buf, &cli.Config{}, "")
	out := buf.String()

	assert.Contains(t, out, "Config file: (none, using defaults)\n")
	assert.Contains(t, out, "Schema:      (none, introspected from the database) [default]\n")
	assert.Contains(t, out, "Policies:    (none, every table unrestricted) [default]\n")
	assert.Contains(t, out, "Database:    (not configured)\n")
}
