package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// ============================================================
// Error Types
// ============================================================

func TestConfigError(t *testing.T) {
	err := NewConfigError("storage.events_path", "directory does not exist")
	want := "config error in storage.events_path: directory does not exist"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "failed to load config")
	want := "config error: failed to load config"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestConfigErrorMatchesSentinel(t *testing.T) {
	err := NewConfigError("metric", "unknown metric")
	if !errors.Is(err, ErrConfig) {
		t.Error("Expected ConfigError to match ErrConfig")
	}
	if errors.Is(err, ErrCommand) {
		t.Error("Expected ConfigError not to match ErrCommand")
	}
}

func TestCommandErrorUnwrap(t *testing.T) {
	inner := errors.New("listener closed")
	err := NewCommandError("run", inner)

	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to find the wrapped error")
	}
	if !errors.Is(err, ErrCommand) {
		t.Error("Expected CommandError to match ErrCommand")
	}
	if !strings.Contains(err.Error(), "command run failed") {
		t.Errorf("Expected command name in message, got %q", err.Error())
	}
}

// ============================================================
// Formatters
// ============================================================

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(FormatText)
	if err := f.FormatTo(&buf, "3 policies loaded"); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if buf.String() != "3 policies loaded\n" {
		t.Errorf("Expected %q, got %q", "3 policies loaded\n", buf.String())
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(FormatJSON)
	data := map[string]int{"anomalies": 2}
	if err := f.FormatTo(&buf, data); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"anomalies": 2`) {
		t.Errorf("Expected indented JSON, got %q", buf.String())
	}
}

func TestNewFormatterUnknownFallsBackToText(t *testing.T) {
	if _, ok := NewFormatter("yaml").(*TextFormatter); !ok {
		t.Error("Expected unknown format to fall back to TextFormatter")
	}
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	err := Table(&buf,
		[]string{"AGENT", "METRIC", "USED"},
		[][]string{
			{"agent-1", "tokens", "400"},
			{"agent-2", "cost", "12.50"},
		},
	)
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "AGENT") {
		t.Errorf("Expected header first, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "agent-1") || !strings.Contains(lines[1], "tokens") {
		t.Errorf("Expected first row content, got %q", lines[1])
	}
}
