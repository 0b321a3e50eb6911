package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/feltcanvas/felt/internal/dispatcher"
	"github.com/rs/zerolog"
)

var _ dispatcher.Logger = (*DispatcherLogger)(nil)

func newTestDispatcherLogger(buf *bytes.Buffer, level zerolog.Level, component string) *DispatcherLogger {
	return NewDispatcherLogger(zerolog.New(buf).Level(level), component)
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestDispatcherLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	dl := newTestDispatcherLogger(&buf, zerolog.DebugLevel, "")

	dl.Debug("test message", "key1", "value1", "key2", 42)

	entry := decodeEntry(t, &buf)
	if entry["level"] != "debug" {
		t.Errorf("expected level 'debug', got %v", entry["level"])
	}
	if entry["message"] != "test message" {
		t.Errorf("expected message 'test message', got %v", entry["message"])
	}
	if entry["key1"] != "value1" {
		t.Errorf("expected key1='value1', got %v", entry["key1"])
	}
	if entry["key2"] != float64(42) {
		t.Errorf("expected key2=42, got %v", entry["key2"])
	}
}

func TestDispatcherLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	dl := newTestDispatcherLogger(&buf, zerolog.InfoLevel, "persist")

	dl.Info("info message", "status", "ok")

	entry := decodeEntry(t, &buf)
	if entry["level"] != "info" {
		t.Errorf("expected level 'info', got %v", entry["level"])
	}
	if entry["component"] != "persist" {
		t.Errorf("expected component='persist', got %v", entry["component"])
	}
	if entry["status"] != "ok" {
		t.Errorf("expected status='ok', got %v", entry["status"])
	}
}

func TestDispatcherLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	dl := newTestDispatcherLogger(&buf, zerolog.ErrorLevel, "")

	dl.Error("error occurred", "code", 500, "reason", "internal")

	entry := decodeEntry(t, &buf)
	if entry["level"] != "error" {
		t.Errorf("expected level 'error', got %v", entry["level"])
	}
	if entry["code"] != float64(500) {
		t.Errorf("expected code=500, got %v", entry["code"])
	}
	if entry["reason"] != "internal" {
		t.Errorf("expected reason='internal', got %v", entry["reason"])
	}
}

func TestDispatcherLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	dl := newTestDispatcherLogger(&buf, zerolog.InfoLevel, "")

	dl.Debug("hidden")

	if buf.Len() != 0 {
		t.Errorf("expected debug to be filtered, got %q", buf.String())
	}
}

func TestDispatcherLogger_OddKeyValues(t *testing.T) {
	var buf bytes.Buffer
	dl := newTestDispatcherLogger(&buf, zerolog.DebugLevel, "")

	dl.Debug("odd", "a", 1, "dangling", 7, "x")

	entry := decodeEntry(t, &buf)
	if entry["a"] != float64(1) {
		t.Errorf("expected a=1, got %v", entry["a"])
	}
	if _, ok := entry["dangling"]; ok {
		t.Errorf("non-string key pair should be dropped, got %v", entry)
	}
}
