package status

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fire(t *testing.T, h *LogHistory, msg string) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)
	entry.Time = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entry.Level = logrus.InfoLevel
	entry.Message = msg
	require.NoError(t, h.Fire(entry))
}

func TestLogHistoryKeepsNewest(t *testing.T) {
	h := NewLogHistory(3)
	assert.Empty(t, h.Lines())

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		fire(t, h, msg)
	}

	lines := h.Lines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "msg=c")
	assert.Contains(t, lines[1], "msg=d")
	assert.Contains(t, lines[2], "msg=e")
	assert.NotContains(t, lines[2], "\n")

	tail := h.Tail(2)
	require.Len(t, tail, 2)
	assert.Contains(t, tail[0], "msg=d")
	assert.Len(t, h.Tail(10), 3)
}

func TestLogHistoryAsHook(t *testing.T) {
	h := NewLogHistory(0)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(h)

	logger.WithField("component", "scanner").Warn("Radio wedged")

	lines := h.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "level=warning")
	assert.Contains(t, lines[0], `msg="Radio wedged"`)
	assert.Contains(t, lines[0], "component=scanner")
}
