package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/unclebandit/followup-engine/internal/logging"
)

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewWriter(&buf, "warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "followup_id", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "kept" || rec["followup_id"] != float64(7) {
		t.Errorf("record = %v", rec)
	}
}

func TestRejectsUnknownSettings(t *testing.T) {
	if _, err := logging.NewWriter(&bytes.Buffer{}, "loud", "text"); err == nil {
		t.Error("expected an error for an unknown level")
	}
	if _, err := logging.NewWriter(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("expected an error for an unknown format")
	}
}
