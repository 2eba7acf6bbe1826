package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func captureOutput(t *testing.T, level Level, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	SetFormat(format)
	t.Cleanup(func() {
		SetFormat("text")
		SetLevel(LevelInfo)
		SetOutput(nil)
	})
	return &buf
}

func TestSetFormat_JSON(t *testing.T) {
	buf := captureOutput(t, LevelInfo, "json")

	Info("request %s skipped", "0:ticket.public_log")

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v\nOutput: %s", err, buf.String())
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing 'ts' field in JSON log")
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["msg"] != "request 0:ticket.public_log skipped" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestSetFormat_Text(t *testing.T) {
	buf := captureOutput(t, LevelInfo, "text")

	Warn("chunk size reduced to %d", 501)

	output := buf.String()
	if !strings.Contains(output, "[WARN]") {
		t.Errorf("expected [WARN] in text output: %s", output)
	}
	if !strings.Contains(output, "chunk size reduced to 501") {
		t.Errorf("expected message in output: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, LevelWarn, "text")

	Debug("chunk progress")
	Info("slice started")
	Error("request failed")

	output := buf.String()
	if strings.Contains(output, "chunk progress") || strings.Contains(output, "slice started") {
		t.Errorf("messages below WARN should be dropped: %s", output)
	}
	if !strings.Contains(output, "[ERROR] request failed") {
		t.Errorf("expected error line: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"chatty", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	buf := captureOutput(t, LevelDebug, "text")
	Redact("John Doe", "", "john@example.com")
	t.Cleanup(func() { Redact() })

	Error("update failed near '@John Doe' for john@example.com")
	out := buf.String()
	if strings.Contains(out, "John Doe") || strings.Contains(out, "john@example.com") {
		t.Errorf("identity leaked into log: %s", out)
	}
	if !strings.Contains(out, "near '@[REDACTED]' for [REDACTED]") {
		t.Errorf("unexpected output: %s", out)
	}

	Redact()
	buf.Reset()
	Info("John Doe")
	if !strings.Contains(buf.String(), "John Doe") {
		t.Errorf("Redact() should clear the list: %s", buf.String())
	}
}
