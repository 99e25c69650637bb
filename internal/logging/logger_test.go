package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "logs", "chatd.log")

	logger, err := New(path, "work", "")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("pipeline ready")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if entry["msg"] != "pipeline ready" || entry["session"] != "work" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("entry missing ts")
	}
}

func TestNewLevel(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(filepath.Join(dir, "debug.log"), "work", "debug")
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("debug level not enabled")
	}

	if _, err := New(filepath.Join(dir, "bad.log"), "work", "loud"); err == nil {
		t.Error("New() accepted an unknown level")
	}
}
