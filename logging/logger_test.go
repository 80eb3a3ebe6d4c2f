package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{
		level:         LevelWarn,
		outputs:       nil,
		contextFields: make(map[string]interface{}),
	}
	logger.AddOutput(&buf)

	logger.Info("lock", "acquire", "should be filtered", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected info entry to be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("lock", "acquire", "visible", nil)
	if buf.Len() == 0 {
		t.Fatal("expected warn entry to be written")
	}
}

func TestLoggerStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewNop()
	logger.SetLevel(LevelDebug)
	logger.AddOutput(&buf)

	logger.Error("idempotency", "create_record", "record creation failed", map[string]interface{}{
		"key": "charge:user42:order77",
	})

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	if entry.Level != "ERROR" {
		t.Errorf("expected level ERROR, got %s", entry.Level)
	}
	if entry.Component != "idempotency" {
		t.Errorf("expected component idempotency, got %s", entry.Component)
	}
	if entry.Fields["key"] != "charge:user42:order77" {
		t.Errorf("expected key field to survive, got %v", entry.Fields)
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewNop()
	base.SetLevel(LevelDebug)
	base.AddOutput(&buf)

	child := base.WithFields(map[string]interface{}{"owner_id": "worker-1"})
	child.Info("lock", "release", "released", map[string]interface{}{"resource": "wallet:user42"})

	out := buf.String()
	if !strings.Contains(out, "worker-1") {
		t.Errorf("expected context field in output, got %s", out)
	}
	if !strings.Contains(out, "wallet:user42") {
		t.Errorf("expected call field in output, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
