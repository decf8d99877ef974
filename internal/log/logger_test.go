package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	type testCase struct {
		name  string
		level Level
		ok    bool
	}
	tests := []testCase{
		{"debug", LevelDebug, true},
		{"WARN", LevelWarning, true},
		{"warning", LevelWarning, true},
		{"none", LevelNone, true},
		{"verbose", LevelNone, false},
	}
	for _, test := range tests {
		level, err := ParseLevel(test.name)
		if (err == nil) != test.ok {
			t.Errorf("Unexpected result parsing %s: %v", test.name, err)
		} else if level != test.level {
			t.Errorf("Expected %d for %s but got %d", test.level, test.name, level)
		}
	}
}

func TestPrefixAndLevel(t *testing.T) {
	var buffer bytes.Buffer
	SetOutput(&buffer)
	defer SetOutput(nil)
	SetLevel(LevelInfo)
	defer SetLevel(LevelNone)

	logger := WithPrefix("session-1")
	logger.Debug("hidden")
	logger.Info("state %s", "InviteSent")

	out := buffer.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug line logged at info level: %q", out)
	}
	if !strings.Contains(out, "[info ] [session-1] state InviteSent") {
		t.Errorf("Missing prefixed info line: %q", out)
	}
}
