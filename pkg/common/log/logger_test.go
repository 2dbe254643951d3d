package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestStandardLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelDebug))

	tests := []struct {
		log   func(string, ...interface{})
		level string
	}{
		{logger.Debug, "[DEBUG]"},
		{logger.Info, "[INFO]"},
		{logger.Warn, "[WARN]"},
		{logger.Error, "[ERROR]"},
	}
	for _, tc := range tests {
		tc.log("bucket %d split at row %d", 3, 120)
		out := buf.String()
		if !strings.Contains(out, tc.level) || !strings.Contains(out, "bucket 3 split at row 120") {
			t.Errorf("expected %s entry, got: %s", tc.level, out)
		}
		buf.Reset()
	}
}

func TestStandardLoggerFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithInitialFields(map[string]interface{}{
		"store": "obs",
	}))

	logger.WithFields(map[string]interface{}{
		"column": "FLAG",
		"bucket": 7,
	}).Info("page written")

	out := buf.String()
	if !strings.Contains(out, " bucket=7 column=FLAG store=obs page written") {
		t.Errorf("fields not written in key order, got: %s", out)
	}
}

func TestStandardLoggerFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("visible warning")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "visible warning") {
		t.Errorf("level filtering failed, got: %s", buf.String())
	}
	buf.Reset()

	logger.SetLevel(LevelOff)
	logger.Error("hidden error")
	if buf.Len() != 0 {
		t.Errorf("expected no output with LevelOff, got: %s", buf.String())
	}
	if logger.GetLevel() != LevelOff {
		t.Errorf("expected LevelOff, got %v", logger.GetLevel())
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("nothing to see")
	logger.WithField("k", "v").Info("still nothing")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"off":     LevelOff,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDefaultLogger(t *testing.T) {
	original := defaultLogger
	defer func() {
		defaultLogger = original
	}()

	var buf bytes.Buffer
	SetDefaultLogger(NewStandardLogger(WithOutput(&buf)))

	WithField("global", true).Info("store opened")
	out := buf.String()
	if !strings.Contains(out, "[INFO]") || !strings.Contains(out, "global=true") ||
		!strings.Contains(out, "store opened") {
		t.Errorf("default logger failed, got: %s", out)
	}
}
