package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeCaller(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+4915112345678", "+4915112345678"},
		{"sip:alice@example.com", ""},
		{"John Doe <555-1234>", "5551234"},
		{"", ""},
	}

	for _, tt := range tests {
		got := SanitizeCaller(tt.in)
		want := tt.want
		if want == "" {
			want = "unknown"
		}
		if got != want {
			t.Errorf("SanitizeCaller(%q) = %q, want %q", tt.in, got, want)
		}
	}
}

func TestWriterDailyPartitionAndFilename(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir)

	w := sink.Writer("1718287389.42", "+15551234")

	now := time.Now()
	wantDir := filepath.Join(dir,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()))
	wantPath := filepath.Join(wantDir, "conversation-+15551234-1718287389.42.txt")

	if w.Path() != wantPath {
		t.Errorf("Path() = %q, want %q", w.Path(), wantPath)
	}
}

func TestWriterAppendFormat(t *testing.T) {
	sink := NewSink(t.TempDir())
	w := sink.Writer("call-1", "12345")

	w.Append(SpeakerUser, "hello there")
	w.Append(SpeakerAssistant, "hi, how can I help?")

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	if !strings.Contains(lines[0], " USER: hello there") {
		t.Errorf("line 0 = %q, want USER line", lines[0])
	}
	if !strings.Contains(lines[1], " ASSISTANT: hi, how can I help?") {
		t.Errorf("line 1 = %q, want ASSISTANT line", lines[1])
	}

	// Leading timestamp must be RFC3339.
	ts := strings.SplitN(lines[0], " ", 2)[0]
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", ts, err)
	}
}

func TestWriterSkipsBlankText(t *testing.T) {
	sink := NewSink(t.TempDir())
	w := sink.Writer("call-1", "12345")

	w.Append(SpeakerUser, "")
	w.Append(SpeakerUser, "   \t ")

	if _, err := os.Stat(w.Path()); !os.IsNotExist(err) {
		t.Errorf("transcript file exists after blank appends, stat err = %v", err)
	}
}

func TestWriterUnknownCaller(t *testing.T) {
	sink := NewSink(t.TempDir())
	w := sink.Writer("call-9", "anonymous")

	if !strings.Contains(w.Path(), "conversation-unknown-call-9.txt") {
		t.Errorf("Path() = %q, want unknown caller fallback", w.Path())
	}
}
