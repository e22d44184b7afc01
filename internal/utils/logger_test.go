package utils

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultOutput(&buf)
	defer SetDefaultOutput(nil)

	logger := NewLogger("billing", Warning)
	logger.Info("hidden message")
	logger.Warn("visible message", "account_id", "acct-1")

	out := buf.String()
	if strings.Contains(out, "hidden message") {
		t.Errorf("info message should be filtered at warning level: %s", out)
	}
	if !strings.Contains(out, "visible message") {
		t.Errorf("warn message missing: %s", out)
	}
	if !strings.Contains(out, "component=billing") {
		t.Errorf("component attribute missing: %s", out)
	}
	if !strings.Contains(out, "account_id=acct-1") {
		t.Errorf("keyvals missing: %s", out)
	}

	buf.Reset()
	logger.SetLogLevel(Debug)
	logger.Debug("debug now visible")
	if !strings.Contains(buf.String(), "debug now visible") {
		t.Errorf("debug message missing after SetLogLevel: %s", buf.String())
	}
}

func TestDefaultsReachExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("store")
	pinned := NewLogger("pinned", Error)

	SetDefaultOutput(&buf)
	defer SetDefaultOutput(nil)
	SetDefaultLogLevel(Warning)
	defer SetDefaultLogLevel(Info)

	logger.Info("filtered after the default moved")
	logger.Warn("routed to the new output")
	pinned.Warn("pinned loggers keep their level")

	out := buf.String()
	if strings.Contains(out, "filtered after the default moved") {
		t.Errorf("info message should follow the default level: %s", out)
	}
	if !strings.Contains(out, "routed to the new output") {
		t.Errorf("existing logger did not switch output: %s", out)
	}
	if strings.Contains(out, "pinned loggers keep their level") {
		t.Errorf("explicit level was overridden by the default: %s", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   Debug,
		"INFO":    Info,
		"warn":    Warning,
		"warning": Warning,
		"error":   Error,
		"":        Info,
		"bogus":   Info,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
