package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func captureOutput(f func()) string {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	tests := []struct {
		name          string
		level         LogLevel
		expectedLevel LogLevel
	}{
		{"set trace level", TRACE, TRACE},
		{"set debug level", DEBUG, DEBUG},
		{"set info level", INFO, INFO},
		{"set warn level", WARN, WARN},
		{"set error level", ERROR, ERROR},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.level)
			if GetLevel() != tt.expectedLevel {
				t.Errorf("SetLevel() = %v, want %v", GetLevel(), tt.expectedLevel)
			}
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		levelStr      string
		expectedLevel LogLevel
	}{
		{"TRACE", TRACE},
		{"debug", DEBUG},
		{"Info", INFO},
		{"warning", WARN},
		{" error ", ERROR},
		{"FATAL", FATAL},
		{"nonsense", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
			t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	SetLevel(WARN)
	out := captureOutput(func() {
		Debug("hidden %d", 1)
		Info("hidden %d", 2)
		Warn("shown %d", 3)
		Error("shown %d", 4)
	})

	if strings.Contains(out, "hidden") {
		t.Errorf("messages below WARN leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown 3") || !strings.Contains(out, "[ERROR] shown 4") {
		t.Errorf("expected WARN and ERROR lines, got %q", out)
	}
}

func TestForFlow(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	SetLevel(DEBUG)
	out := captureOutput(func() {
		ForFlow("abc").Debug("state %s", "Classifying")
	})

	if !strings.Contains(out, "[DEBUG] [flow abc] state Classifying") {
		t.Errorf("unexpected scoped output: %q", out)
	}
}
