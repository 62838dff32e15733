package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestZerologLogger_NilFallsBackToNop(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	logger.Info("discarded")
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg", subsync.Field{Key: "k", Value: "v"}) }, "debug"},
		{"info", func(l *Logger) { l.Info("msg", subsync.Field{Key: "k", Value: "v"}) }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg", subsync.Field{Key: "k", Value: "v"}) }, "warn"},
		{"error", func(l *Logger) { l.Error("msg", subsync.Field{Key: "k", Value: "v"}) }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("log line is not JSON: %v (%q)", err, output.String())
			}
			if entry["level"] != tt.level {
				t.Errorf("Expected level %s, got %v", tt.level, entry["level"])
			}
			if entry["k"] != "v" {
				t.Errorf("Expected field k=v, got %v", entry["k"])
			}
			if entry["message"] != "msg" {
				t.Errorf("Expected message msg, got %v", entry["message"])
			}
		})
	}
}

func TestZerologLogger_ErrorField(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	NewLogger(&zlog).Error("failed", subsync.ErrorField(errors.New("boom")))

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error=boom, got %v", entry["error"])
	}
}

func TestZerologLogger_RespectsLevel(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("hidden")
	logger.Info("hidden")
	if output.Len() != 0 {
		t.Errorf("Expected no output below warn level, got %q", output.String())
	}

	logger.Warn("shown")
	if output.Len() == 0 {
		t.Error("Expected warn log to be written")
	}
}
