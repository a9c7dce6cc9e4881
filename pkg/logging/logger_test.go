package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerWithServiceStampsEntries(t *testing.T) {
	logger := NewLoggerWithService("bursar")

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.WithField("k", "v").Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["service"] != "bursar" {
		t.Fatalf("expected service field, got %v", entry["service"])
	}
	if entry["k"] != "v" {
		t.Fatalf("expected custom field, got %v", entry["k"])
	}
}
