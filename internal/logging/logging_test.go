package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	New(Config{})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected default global level info, got %v", zerolog.GlobalLevel())
	}
}

func TestNewAppliesDebugLevel(t *testing.T) {
	New(Config{Level: LevelDebug})
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %v", zerolog.GlobalLevel())
	}
}

func TestLogErrorIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	LogError(logger, errors.New("boom"), "failed", map[string]any{"node": "A"})
	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("boom")) || !bytes.Contains(buf.Bytes(), []byte("node")) {
		t.Fatalf("expected log output to contain error and field, got %q", out)
	}
}

func TestRecoverPanicSwallowsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test-goroutine", nil)
		panic("kaboom")
	}()

	if !bytes.Contains(buf.Bytes(), []byte("kaboom")) {
		t.Fatalf("expected recovered panic to be logged, got %q", buf.String())
	}
}
