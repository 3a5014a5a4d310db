package nblog

import (
	"bytes"
	"strings"
	"testing"
)

func TestInitWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	defer InitWithWriter(&buf, "INFO", "text")

	Info("store committed", "channel", 3, "file_number", uint64(7))

	out := buf.String()
	if !strings.Contains(out, "store committed") {
		t.Errorf("output = %q, want message present", out)
	}
	if !strings.Contains(out, "channel=3") {
		t.Errorf("output = %q, want channel=3", out)
	}
}

func TestLevelFiltering_DebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	defer InitWithWriter(&buf, "INFO", "text")

	Debug("should not appear")
	if buf.Len() != 0 {
		t.Errorf("Debug() at INFO level wrote %q, want nothing", buf.String())
	}
}

func TestSetFormat_JSON(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer InitWithWriter(&buf, "INFO", "text")

	Info("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json output = %q, want msg field", buf.String())
	}
}

func TestSetLevel_InvalidIgnored(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")
	defer InitWithWriter(&buf, "INFO", "text")

	SetLevel("NOT-A-LEVEL")
	Info("still suppressed at warn")
	if buf.Len() != 0 {
		t.Errorf("Info() after invalid SetLevel() wrote %q, want level to stay WARN", buf.String())
	}
}
