package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("SYNCPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("SYNCPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("SYNCPIPE_TEST_INT", "12")
	if got := ParseIntEnv("SYNCPIPE_TEST_INT", 4); got != 12 {
		t.Errorf("ParseIntEnv = %d, want 12", got)
	}
	t.Setenv("SYNCPIPE_TEST_INT", "twelve")
	if got := ParseIntEnv("SYNCPIPE_TEST_INT", 4); got != 4 {
		t.Errorf("ParseIntEnv invalid = %d, want default 4", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("SYNCPIPE_TEST_DUR", "1500ms")
	if got := ParseDurationEnv("SYNCPIPE_TEST_DUR", time.Second); got != 1500*time.Millisecond {
		t.Errorf("ParseDurationEnv = %v, want 1.5s", got)
	}
	t.Setenv("SYNCPIPE_TEST_DUR", "soon")
	if got := ParseDurationEnv("SYNCPIPE_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("ParseDurationEnv invalid = %v, want default", got)
	}
}

func TestSplitListEnv(t *testing.T) {
	t.Setenv("SYNCPIPE_TEST_LIST", " a, ,b ,c")
	got := SplitListEnv("SYNCPIPE_TEST_LIST")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("SplitListEnv = %v, want [a b c]", got)
	}
}
