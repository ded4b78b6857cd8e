package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"log/slog"

	"github.com/STRATINT/polwatch/internal/config"
)

func TestNewWithWriterHonoursFormatAndLevel(t *testing.T) {
	tests := []struct {
		format  string
		level   slog.Level
		wantOut string
	}{
		{format: "json", level: slog.LevelWarn, wantOut: `"msg":"kept"`},
		{format: "text", level: slog.LevelDebug, wantOut: "msg=kept"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := NewWithWriter(config.LoggingConfig{Level: tt.level, Format: tt.format}, &buf)
			if err != nil {
				t.Fatalf("NewWithWriter returned error: %v", err)
			}

			for _, lvl := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
				if got, want := logger.Enabled(context.Background(), lvl), lvl >= tt.level; got != want {
					t.Errorf("Enabled(%v) = %t at level %v", lvl, got, tt.level)
				}
			}

			logger.Log(context.Background(), tt.level, "kept")
			if !strings.Contains(buf.String(), tt.wantOut) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.wantOut)
			}
		})
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: slog.LevelInfo, Format: "pretty"})
	if err == nil || !strings.Contains(err.Error(), "pretty") {
		t.Fatalf("expected an error naming the format, got %v", err)
	}
}

func TestComponentAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: slog.LevelInfo, Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter returned error: %v", err)
	}

	Component(logger, "dedup").Info("cache ready", "backend", "redis")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid json log line %q: %v", buf.String(), err)
	}
	if record["component"] != "dedup" || record["service"] != "polwatch" || record["backend"] != "redis" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestComponentWithNilLogger(t *testing.T) {
	if Component(nil, "x") == nil {
		t.Fatal("expected a usable logger")
	}
}
