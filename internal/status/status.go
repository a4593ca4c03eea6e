// Package status renders the bridge state for the HTTP page, the console dashboard and /status.
package status

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/registry"
	"github.com/srg/blehub/scanner"
)

// Devices lists what is currently in range.
type Devices interface {
	Snapshot() []scanner.RecordSnapshot
}

// Connections describes the connection manager in one line.
type Connections interface {
	StatusText() string
}

// Reporter assembles the status text.
type Reporter struct {
	devices  Devices
	registry *registry.Registry
	conns    Connections
	logs     *LogHistory
	now      func() time.Time
}

// NewReporter creates a Reporter. logs and conns may be nil.
func NewReporter(devices Devices, reg *registry.Registry, conns Connections, logs *LogHistory) *Reporter {
	return &Reporter{
		devices:  devices,
		registry: reg,
		conns:    conns,
		logs:     logs,
		now:      time.Now,
	}
}

func plain(a ...interface{}) string { return fmt.Sprint(a...) }

// Text is the full report: recent log lines, then devices with their decoded state,
// then the connection line.
func (r *Reporter) Text() string {
	var b strings.Builder
	if r.logs != nil {
		for _, line := range r.logs.Lines() {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(r.body(0, plain))
	return b.String()
}

// LogText is just the kept log lines.
func (r *Reporter) LogText() string {
	if r.logs == nil {
		return ""
	}
	return strings.Join(r.logs.Lines(), "\n") + "\n"
}

// body renders the time, devices and connection line in at most maxHeight lines (0 is unlimited).
func (r *Reporter) body(maxHeight int, header func(a ...interface{}) string) string {
	var lines []string
	lines = append(lines, r.now().Format(time.RFC1123), "")

	snaps := r.devices.Snapshot()
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	for _, snap := range snaps {
		lines = append(lines, header(fmt.Sprintf("%s - %s (RSSI %d)", snap.ID, snap.LocalName, snap.RSSI)))
		lines = append(lines, r.stateLines(snap.Address)...)
	}

	connLine := ""
	if r.conns != nil {
		connLine = r.conns.StatusText()
	}

	if maxHeight > 0 && len(lines)+1 > maxHeight {
		keep := maxHeight - 2
		if keep < 0 {
			keep = 0
		}
		lines = append(lines[:keep], "...")
	}
	if connLine != "" {
		lines = append(lines, connLine)
	}
	return strings.Join(lines, "\n") + "\n"
}

func (r *Reporter) stateLines(addr string) []string {
	if r.registry == nil {
		return nil
	}
	dev, ok := r.registry.Lookup(addr)
	if !ok {
		return nil
	}
	ids := dev.StateIDs()
	sort.Strings(ids)

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		name := id
		if alias, ok := attributes.Name(id); ok {
			name = alias
		}
		state, err := dev.StateJSON(id)
		if err != nil {
			continue
		}
		out = append(out, fmt.Sprintf("  %s => %s", name, state))
	}
	return out
}
