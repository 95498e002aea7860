package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"flowmint/internal/config"
)

func TestNew(t *testing.T) {
	l, err := New(config.LogConfig{Level: "debug", Encoding: "console"}, "flowmint-engine", "dev")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug level not enabled")
	}

	l, err = New(config.LogConfig{Level: "nonsense"}, "", "")
	if err != nil {
		t.Fatalf("New with bad level: %v", err)
	}
	if l.Core().Enabled(zapcore.DebugLevel) || !l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("bad level should fall back to info")
	}

	if _, err := New(config.LogConfig{Encoding: "xml"}, "", ""); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}
