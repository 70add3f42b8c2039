package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Speakers recorded in transcript lines.
const (
	SpeakerUser      = "USER"
	SpeakerAssistant = "ASSISTANT"
)

// Sink creates per-call transcript writers under a daily-partitioned
// directory tree: <dir>/YYYY/MM/DD/conversation-<caller>-<callID>.txt.
type Sink struct {
	dir string
}

// NewSink creates a sink rooted at dir.
func NewSink(dir string) *Sink {
	return &Sink{dir: dir}
}

// Writer opens (lazily) the transcript file for one call. The caller
// identity is reduced to digits and '+' for filename use, defaulting to
// "unknown".
func (s *Sink) Writer(callID, callerIdentity string) *Writer {
	now := time.Now()
	dir := filepath.Join(s.dir,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()))

	name := fmt.Sprintf("conversation-%s-%s.txt", SanitizeCaller(callerIdentity), callID)
	return &Writer{path: filepath.Join(dir, name)}
}

// SanitizeCaller keeps [0-9+] only; empty results become "unknown".
func SanitizeCaller(identity string) string {
	var b strings.Builder
	for _, r := range identity {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// Writer appends timestamped speaker lines to one call's transcript.
// Failures are logged and swallowed; a transcript problem never fails
// the call.
type Writer struct {
	mu   sync.Mutex
	path string
}

// Path returns the transcript file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one "ISO8601 SPEAKER: text" line. Blank texts are
// skipped.
func (w *Writer) Append(speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	line := fmt.Sprintf("%s %s: %s\n", time.Now().Format(time.RFC3339), speaker, text)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		slog.Warn("[Transcript] Create dir failed", "path", w.path, "error", err)
		return
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("[Transcript] Open failed", "path", w.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		slog.Warn("[Transcript] Write failed", "path", w.path, "error", err)
	}
}
