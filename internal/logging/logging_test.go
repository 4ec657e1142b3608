package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("session created", "display", `\\.\DISPLAY1`)

	out := buf.String()
	if !strings.Contains(out, "msg=\"session created\"") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=capture") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "DISPLAY1") {
		t.Fatalf("expected display field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)
	t.Cleanup(func() { Init("text", "info", nil) })

	L("engine").Info("frame captured", "width", 64)

	out := buf.String()
	if !strings.Contains(out, `"component":"engine"`) {
		t.Fatalf("expected JSON component field, got: %s", out)
	}
	if !strings.Contains(out, `"width":64`) {
		t.Fatalf("expected JSON width field, got: %s", out)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	for _, s := range []string{"", "nonsense", "INFO", " info "} {
		if got := parseLevel(s); got != slog.LevelInfo {
			t.Fatalf("parseLevel(%q) = %v, want INFO", s, got)
		}
	}
	if got := parseLevel("DEBUG"); got != slog.LevelDebug {
		t.Fatalf("parseLevel(DEBUG) = %v", got)
	}
}
