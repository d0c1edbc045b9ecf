package tailer

import (
	"context"
	"strings"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
)

// WindowSize is the number of most recent lines kept per poll
const WindowSize = 3

// Window holds the most recent lines of one log snapshot, oldest first
type Window []string

// Eligible reports whether the window is full
func (w Window) Eligible() bool {
	return len(w) == WindowSize
}

// Oldest returns the first line of the window
func (w Window) Oldest() string {
	if len(w) == 0 {
		return ""
	}
	return w[0]
}

// Newest returns the last line of the window
func (w Window) Newest() string {
	if len(w) == 0 {
		return ""
	}
	return w[len(w)-1]
}

// Tailer re-reads a log source on every poll and keeps its tail
type Tailer struct {
	source Source
	logger *logging.Logger
}

// New creates a new Tailer instance
func New(source Source, logger *logging.Logger) *Tailer {
	return &Tailer{
		source: source,
		logger: logger.WithComponent("tailer"),
	}
}

// Source returns the underlying log source
func (t *Tailer) Source() Source {
	return t.source
}

// Poll reads the whole log and splits it into lines in source order.
// A failed read is logged and yields no lines.
func (t *Tailer) Poll(ctx context.Context) ([]string, error) {
	text, err := t.source.Read(ctx)
	if err != nil {
		t.logger.Error().Err(err).Str("source", t.source.Name()).Msg("Failed to read log source")
		return nil, err
	}
	return SplitLines(text), nil
}

// SplitLines splits log content into lines, dropping surrounding
// whitespace of the whole content and carriage returns of each line
func SplitLines(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

// Slide keeps only the last WindowSize lines. The window is rebuilt from
// the given lines alone; nothing carries over from earlier polls.
func Slide(lines []string) Window {
	start := len(lines) - WindowSize
	if start < 0 {
		start = 0
	}

	window := make(Window, len(lines)-start)
	copy(window, lines[start:])
	return window
}
