package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerLevelConstants(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			if got := zerolog.GlobalLevel(); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Log.Info("loaded", "layer", 3, "device", 1, "err", errors.New("boom"), "orphan")

	line := buf.String()
	for _, want := range []string{`"message":"loaded"`, `"layer":3`, `"device":1`, `"err":"boom"`} {
		if !strings.Contains(line, want) {
			t.Errorf("missing %s in %s", want, line)
		}
	}
	if strings.Contains(line, "orphan") {
		t.Errorf("trailing key without value should be dropped: %s", line)
	}
}

func TestWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	dev := Log.With("device", 2, 7, "x")
	dev.Debug("queue drained")

	line := buf.String()
	if !strings.Contains(line, `"device":2`) {
		t.Errorf("child logger lost device field: %s", line)
	}
	if !strings.Contains(line, `"7":"x"`) {
		t.Errorf("non-string key not stringified: %s", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "error", "json")
	defer Setup("info", "console")

	Log.Debug("hidden")
	Log.Info("hidden")
	Log.Warn("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected filtered output, got %q", buf.String())
	}
	Log.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("error line missing: %q", buf.String())
	}
}
