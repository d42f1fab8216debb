package observability

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerDefaultsLevelOnParseError(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: "not-a-level", Format: FormatJSON})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("GetLevel() = %v, want InfoLevel", logger.GetLevel())
	}
}

func TestNewLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: "debug", Format: FormatJSON})
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Errorf("GetLevel() = %v, want DebugLevel", logger.GetLevel())
	}
}

func TestRecoverPanicRecoversAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test.goroutine", map[string]any{"key": "value"})
		panic("boom")
	}()

	if buf.Len() == 0 {
		t.Fatal("expected RecoverPanic to log the panic")
	}
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("test.goroutine")) {
		t.Errorf("expected log to mention goroutine name, got %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("boom")) {
		t.Errorf("expected log to mention panic value, got %s", out)
	}
}

func TestRecoverPanicNoPanicIsNoop(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test.goroutine", nil)
	}()

	if buf.Len() != 0 {
		t.Errorf("expected no log output without a panic, got %s", buf.String())
	}
}
