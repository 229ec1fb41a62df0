package logger

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	var buf bytes.Buffer
	oldOutput := stdLogger.Writer()
	stdLogger.SetOutput(&buf)
	defer stdLogger.SetOutput(oldOutput)

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
		{"set fatal level", FATAL, FATAL},
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
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"lowercase debug", "debug", DEBUG},
		{"mixed case warn", "WaRn", WARN},
		{"unknown level", "UNKNOWN", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
				t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{TRACE, "TRACE"},
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{FATAL, "FATAL"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("LogLevel(%d).String() = %q, want %q", tt.level, got, tt.expected)
		}
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name            string
		currentLevel    LogLevel
		logLevel        LogLevel
		shouldBePrinted bool
	}{
		{"debug with debug level", DEBUG, DEBUG, true},
		{"info with debug level", DEBUG, INFO, true},
		{"error with debug level", DEBUG, ERROR, true},
		{"trace with debug level", DEBUG, TRACE, false},

		{"debug with info level", INFO, DEBUG, false},
		{"info with info level", INFO, INFO, true},
		{"warn with info level", INFO, WARN, true},

		{"info with warn level", WARN, INFO, false},
		{"warn with warn level", WARN, WARN, true},

		{"warn with error level", ERROR, WARN, false},
		{"error with error level", ERROR, ERROR, true},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.currentLevel)

			output := captureOutput(func() {
				switch tt.logLevel {
				case TRACE:
					Trace("test message")
				case DEBUG:
					Debug("test message")
				case INFO:
					Info("test message")
				case WARN:
					Warn("test message")
				case ERROR:
					Error("test message")
				}
			})

			if tt.shouldBePrinted && output == "" {
				t.Errorf("Expected log output but got none for level %s with current level %s", tt.logLevel, tt.currentLevel)
			}
			if !tt.shouldBePrinted && output != "" {
				t.Errorf("Expected no log output but got %q for level %s with current level %s", output, tt.logLevel, tt.currentLevel)
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(string, ...any)
		level   string
		format  string
		args    []any
	}{
		{"debug with no args", Debug, "DEBUG", "simple message", nil},
		{"info with string arg", Info, "INFO", "message with %s", []any{"argument"}},
		{"warn with multiple args", Warn, "WARN", "message with %s and %d", []any{"string", 42}},
		{"error with complex args", Error, "ERROR", "error: %v, code: %d", []any{fmt.Errorf("test error"), 502}},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureOutput(func() {
				tt.logFunc(tt.format, tt.args...)
			})

			if !strings.Contains(output, "["+tt.level+"]") {
				t.Errorf("Output does not contain expected level. Got: %s, Want to contain: %s", output, tt.level)
			}
			expectedContent := fmt.Sprintf(tt.format, tt.args...)
			if !strings.Contains(output, expectedContent) {
				t.Errorf("Output does not contain expected content. Got: %s, Want to contain: %s", output, expectedContent)
			}
		})
	}
}

func TestConnLogger(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	log := ForConn(42).With("replay")
	output := captureOutput(func() {
		log.Debug("forwarded %d bytes", 10)
	})

	if !strings.Contains(output, "[DEBUG] [conn-42 replay] forwarded 10 bytes") {
		t.Errorf("unexpected conn log output: %q", output)
	}

	var nilLog *Conn
	output = captureOutput(func() {
		nilLog.Info("no prefix")
	})
	if !strings.Contains(output, "[INFO] no prefix") {
		t.Errorf("nil conn logger should log without prefix, got %q", output)
	}
}
