package session

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Expected short string untouched, got %q", got)
	}

	long := strings.Repeat("a", 600)
	if got := Truncate(long, MaxPromptRunes); len([]rune(got)) != MaxPromptRunes {
		t.Errorf("Expected truncation to %d runes, got %d", MaxPromptRunes, len([]rune(got)))
	}

	// Limits are in runes, not bytes: multi-byte characters must not be split.
	unicode := strings.Repeat("日", 600)
	got := Truncate(unicode, MaxPromptRunes)
	if len([]rune(got)) != MaxPromptRunes {
		t.Errorf("Expected %d runes, got %d", MaxPromptRunes, len([]rune(got)))
	}
	if !strings.HasPrefix(got, "日") || !strings.HasSuffix(got, "日") {
		t.Errorf("Expected intact runes after truncation")
	}

	if got := Truncate("", MaxResponseRunes); got != "" {
		t.Errorf("Expected empty string to pass through, got %q", got)
	}
}
