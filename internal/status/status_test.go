package status

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/registry"
	"github.com/srg/blehub/internal/testutils"
	"github.com/srg/blehub/pkg/config"
	"github.com/srg/blehub/scanner"
	"github.com/stretchr/testify/assert"
)

type fakeDevices []scanner.RecordSnapshot

func (f fakeDevices) Snapshot() []scanner.RecordSnapshot { return f }

type fakeConnections string

func (f fakeConnections) StatusText() string { return string(f) }

var reportTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestReporter(logs *LogHistory) *Reporter {
	reg := registry.New("/ble", registry.Defaults{MinRSSI: -100})
	kitchen := reg.DeclareKnown("a4:c1:38:00:00:01", config.DeviceSpec{Name: "kitchen"})
	r := attributes.NewReading()
	r.Set("temp", 21.5)
	r.Set("humidity", 40)
	kitchen.MergeState("181a", r)

	devices := fakeDevices{
		{Address: "a4:c1:38:00:00:01", ID: "kitchen", LocalName: "ATC_000001", RSSI: -60, Known: true},
		{Address: "aa:bb:cc:dd:ee:ff", ID: "aa:bb:cc:dd:ee:ff", RSSI: -80},
	}
	rep := NewReporter(devices, reg, fakeConnections("[CONNECT] Connections [] IDLE"), logs)
	rep.now = func() time.Time { return reportTime }
	return rep
}

func TestReporterText(t *testing.T) {
	rep := newTestReporter(nil)

	testutils.NewTextAsserter(t).Assert(rep.Text(), `
Wed, 01 May 2024 12:00:00 UTC

aa:bb:cc:dd:ee:ff -  (RSSI -80)
kitchen - ATC_000001 (RSSI -60)
  Environmental Sensing => {"temp":21.5,"humidity":40}
[CONNECT] Connections [] IDLE
`)
}

func TestReporterBodyTruncates(t *testing.T) {
	rep := newTestReporter(nil)

	testutils.NewTextAsserter(t).Assert(rep.body(4, plain), `
Wed, 01 May 2024 12:00:00 UTC

...
[CONNECT] Connections [] IDLE
`)
}

func TestReporterIncludesLogs(t *testing.T) {
	logs := NewLogHistory(10)
	fire(t, logs, "Device found")
	rep := newTestReporter(logs)

	text := rep.Text()
	assert.Contains(t, text, `msg="Device found"`)
	assert.Contains(t, rep.LogText(), `msg="Device found"`)
	assert.Less(t, strings.Index(text, "Device found"), strings.Index(text, "kitchen"))
}

func TestConsoleFrameFitsHeight(t *testing.T) {
	logs := NewLogHistory(10)
	for _, msg := range []string{"first", "second", "third"} {
		fire(t, logs, msg)
	}
	rep := newTestReporter(logs)
	c := NewConsole(rep, nil, func() int { return 8 })
	c.header = plain

	frame := c.Frame()
	// Body takes 6 lines, leaving one log line and a separator.
	assert.NotContains(t, frame, "msg=second")
	assert.Contains(t, frame, "msg=third")
	assert.Contains(t, frame, "kitchen - ATC_000001 (RSSI -60)")
}
