package status

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultLogLines is how many formatted log lines LogHistory keeps.
const DefaultLogLines = 200

// LogHistory is a logrus hook that keeps the most recent log lines for the status page.
type LogHistory struct {
	formatter logrus.Formatter

	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogHistory keeps up to size lines; size <= 0 means DefaultLogLines.
func NewLogHistory(size int) *LogHistory {
	if size <= 0 {
		size = DefaultLogLines
	}
	return &LogHistory{
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		},
		lines: make([]string, size),
	}
}

func (h *LogHistory) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *LogHistory) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	line := strings.TrimRight(string(b), "\n")

	h.mu.Lock()
	h.lines[h.next] = line
	h.next = (h.next + 1) % len(h.lines)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
	return nil
}

// Lines returns the kept lines, oldest first.
func (h *LogHistory) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]string(nil), h.lines[:h.next]...)
	}
	out := make([]string, 0, len(h.lines))
	out = append(out, h.lines[h.next:]...)
	return append(out, h.lines[:h.next]...)
}

// Tail returns at most n of the newest lines.
func (h *LogHistory) Tail(n int) []string {
	lines := h.Lines()
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines
}
