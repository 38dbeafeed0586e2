package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", "json", &buf)
	log.Info("hidden")
	log.Warn("shown", "module", "role")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["module"] != "role" {
		t.Fatalf("unexpected record %v", rec)
	}

	buf.Reset()
	New("bogus", "text", &buf).Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("unknown levels fall back to info")
	}
}

func TestContextCarriesLogger(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
	log := Discard()
	ctx := WithLogger(context.Background(), log)
	if FromContext(ctx) != log {
		t.Fatalf("logger not carried")
	}
}
