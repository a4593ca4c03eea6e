package status

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const clearScreen = "\033c"

// Console redraws the status report on a terminal once per second, with the log tail
// filling whatever height the devices leave.
type Console struct {
	reporter *Reporter
	out      io.Writer
	height   func() int
	header   func(a ...interface{}) string
}

// NewConsole draws to out; height reports the usable number of rows.
func NewConsole(r *Reporter, out io.Writer, height func() int) *Console {
	return &Console{
		reporter: r,
		out:      out,
		height:   height,
		header:   color.New(color.FgCyan, color.Bold).SprintFunc(),
	}
}

// TerminalHeight returns a height probe for f, or nil if f is not a terminal.
func TerminalHeight(f *os.File) func() int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func() int {
		_, h, err := term.GetSize(fd)
		if err != nil {
			return 0
		}
		return h
	}
}

// Frame renders one screen without the clear sequence.
func (c *Console) Frame() string {
	h := c.height()
	body := c.reporter.body(h, c.header)

	var b strings.Builder
	if c.reporter.logs != nil {
		room := h - strings.Count(body, "\n") - 1
		if h <= 0 {
			room = DefaultLogLines
		}
		if room > 0 {
			for _, line := range c.reporter.logs.Tail(room) {
				b.WriteString(line)
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString(body)
	return b.String()
}

// Run redraws until ctx is done.
func (c *Console) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		_, _ = io.WriteString(c.out, clearScreen+c.Frame())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
