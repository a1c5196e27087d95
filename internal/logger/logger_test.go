package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestSlog_ContextFieldsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Component: "mapfront"}, &buf)
	log := NewSlog(&zl).With("adapter", "gbif")

	ctx := WithWindowID(WithRequestID(context.Background(), "r1"), "w1")
	log.ErrorContext(ctx, "adapter failed", "err", errors.New("boom"), "status", 502)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("lines=%d want 1", len(lines))
	}
	got := lines[0]
	for k, want := range map[string]any{
		"level":      "error",
		"msg":        "adapter failed",
		"component":  "mapfront",
		"request_id": "r1",
		"window_id":  "w1",
		"adapter":    "gbif",
		"err":        "boom",
		"status":     float64(502),
	} {
		if got[k] != want {
			t.Fatalf("%s=%v want %v (line=%v)", k, got[k], want, got)
		}
	}
}

func TestSlog_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	log := NewSlog(&zl)

	log.Debug("no")
	log.Info("no")
	log.Warn("yes")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "yes" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestSlog_Groups(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info"}, &buf)
	NewSlog(&zl).WithGroup("pref").Info("set", "key", "k1")

	lines := decodeLines(t, &buf)
	if lines[0]["pref.key"] != "k1" {
		t.Fatalf("grouped key missing: %v", lines[0])
	}
}
