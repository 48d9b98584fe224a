package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: " warning ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	var jsonBuf bytes.Buffer
	NewLogger(&jsonBuf, "info", "json").Info("relay.start", "addr", ":8080")

	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", jsonBuf.String(), err)
	}
	if rec["msg"] != "relay.start" || rec["addr"] != ":8080" || rec["source"] == nil {
		t.Fatalf("json record=%v", rec)
	}

	var prettyBuf bytes.Buffer
	NewLogger(&prettyBuf, "warn", "pretty").Info("dropped")
	if prettyBuf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", prettyBuf.String())
	}
	NewLogger(&prettyBuf, "debug", "pretty").Debug("engine.start")
	got := prettyBuf.String()
	if !strings.Contains(got, "DEBUG") || !strings.Contains(got, "engine.start") || strings.Contains(got, "\x1b[") {
		t.Fatalf("pretty output=%q", got)
	}
}
