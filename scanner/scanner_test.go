package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/internal/registry"
	"github.com/srg/blehub/internal/testutils"
	"github.com/srg/blehub/pkg/config"
	"github.com/stretchr/testify/suite"
)

const sensorAddr = "aa:bb:cc:dd:ee:ff"

type recordingAnnouncer struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAnnouncer) Announce(dev *registry.Device, _ string, serviceID string, r *attributes.Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range attributes.Keys(r) {
		a.calls = append(a.calls, dev.Address()+"/"+serviceID+"/"+key)
	}
}

type ScannerTestSuite struct {
	suite.Suite

	logger   *logrus.Logger
	recorder *testutils.Recorder
	registry *registry.Registry
	opts     Options
	clock    time.Time
}

func (s *ScannerTestSuite) SetupTest() {
	s.logger, _ = test.NewNullLogger()
	s.recorder = testutils.NewRecorder()
	s.registry = registry.New("/ble", registry.Defaults{
		MinRSSI:           -100,
		PresenceTimeout:   60 * time.Second,
		ConnectionTimeout: 20 * time.Second,
	})
	s.opts = Options{
		PowerOnTimeout:   time.Second,
		WatchdogInterval: time.Hour,
		DedupeWindow:     60 * time.Second,
		LegacyTopics:     true,
		JSONState:        true,
	}
	s.clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func (s *ScannerTestSuite) newScanner() *Scanner {
	sc := New(s.registry, attributes.NewDecoder(attributes.Options{}), s.recorder, "/ble", s.opts, s.logger)
	sc.now = func() time.Time { return s.clock }
	return sc
}

func batteryAdv(level byte) device.Advertisement {
	return testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithRSSI(-60).
		WithServiceData("180f", []byte{level}).
		Build()
}

func (s *ScannerTestSuite) TestBatteryAdvertisementPublishesAllTopics() {
	sc := s.newScanner()

	sc.handle(batteryAdv(87))

	s.Equal("[87]", s.recorder.Payload("/ble/advertise/aa:bb:cc:dd:ee:ff/180f"))
	s.Equal("87", s.recorder.Payload("/ble/battery/aa:bb:cc:dd:ee:ff"))
	s.Equal("87", s.recorder.Payload("/ble/advertise/aa:bb:cc:dd:ee:ff/battery"))
	s.Equal("-60", s.recorder.Payload("/ble/advertise/aa:bb:cc:dd:ee:ff/rssi"))
	s.JSONEq(`{"battery":87}`, s.recorder.Payload("/ble/json/aa:bb:cc:dd:ee:ff/180f"))
	s.JSONEq(`{"rssi":-60}`, s.recorder.Payload("/ble/advertise/aa:bb:cc:dd:ee:ff"))

	presence, ok := s.recorder.Last("/ble/presence/aa:bb:cc:dd:ee:ff")
	s.Require().True(ok)
	s.Equal("1", string(presence.Payload))
	s.True(presence.Retained)
	s.True(sc.InRange(sensorAddr))
}

func (s *ScannerTestSuite) TestPresenceOnlyOnFirstSighting() {
	sc := s.newScanner()

	sc.handle(batteryAdv(87))
	sc.handle(batteryAdv(86))

	s.Equal(1, s.recorder.Count("/ble/presence/aa:bb:cc:dd:ee:ff"))
	s.Equal(2, s.recorder.Count("/ble/advertise/aa:bb:cc:dd:ee:ff"))
}

func (s *ScannerTestSuite) TestServiceDataDedupe() {
	sc := s.newScanner()
	topic := "/ble/advertise/aa:bb:cc:dd:ee:ff/180f"

	sc.handle(batteryAdv(87))
	s.clock = s.clock.Add(30 * time.Second)
	sc.handle(batteryAdv(87))
	s.Equal(1, s.recorder.Count(topic), "identical bytes inside the window are skipped")

	sc.handle(batteryAdv(86))
	s.Equal(2, s.recorder.Count(topic), "changed bytes are published at once")

	s.clock = s.clock.Add(61 * time.Second)
	sc.handle(batteryAdv(86))
	s.Equal(3, s.recorder.Count(topic), "identical bytes are republished after the window")
}

func (s *ScannerTestSuite) TestSweepPublishesAbsence() {
	sc := s.newScanner()
	sc.handle(batteryAdv(87))

	sc.sweep(s.clock.Add(30 * time.Second))
	s.True(sc.InRange(sensorAddr))
	s.Equal(1, s.recorder.Count("/ble/presence/aa:bb:cc:dd:ee:ff"))

	sc.sweep(s.clock.Add(61 * time.Second))
	s.False(sc.InRange(sensorAddr))

	last, ok := s.recorder.Last("/ble/presence/aa:bb:cc:dd:ee:ff")
	s.Require().True(ok)
	s.Equal("0", string(last.Payload))
	s.True(last.Retained)

	s.recorder.Reset()
	sc.handle(batteryAdv(87))
	s.Equal("1", s.recorder.Payload("/ble/presence/aa:bb:cc:dd:ee:ff"), "re-entry announces presence again")
}

func (s *ScannerTestSuite) TestSightingDuringSweepKeepsDevice() {
	sc := s.newScanner()
	sc.handle(batteryAdv(87))

	s.clock = s.clock.Add(61 * time.Second)
	stale := sc.expiredRecords(s.clock)
	s.Require().Len(stale, 1)

	sc.handle(batteryAdv(87))
	for _, r := range stale {
		s.False(sc.evict(r, s.clock), "refreshed record must survive the sweep")
	}

	s.True(sc.InRange(sensorAddr))
	s.Equal(1, s.recorder.Count("/ble/presence/aa:bb:cc:dd:ee:ff"))
	s.Equal("1", s.recorder.Payload("/ble/presence/aa:bb:cc:dd:ee:ff"))
}

func (s *ScannerTestSuite) TestSightingAfterEvictionCreatesNewRecord() {
	sc := s.newScanner()
	sc.handle(batteryAdv(87))

	s.clock = s.clock.Add(61 * time.Second)
	stale := sc.expiredRecords(s.clock)
	s.Require().Len(stale, 1)
	s.Require().True(sc.evict(stale[0], s.clock))
	s.False(sc.evict(stale[0], s.clock))

	sc.handle(batteryAdv(87))

	s.True(sc.InRange(sensorAddr))
	var presence []string
	for _, m := range s.recorder.Find("/ble/presence/aa:bb:cc:dd:ee:ff") {
		presence = append(presence, string(m.Payload))
	}
	s.Equal([]string{"1", "0", "1"}, presence)
}

func xiaomiEvent(event ...byte) device.Advertisement {
	return testutils.NewAdvertisementBuilder().
		WithAddress(sensorAddr).
		WithServiceData("fe95", append([]byte{0x40, 0x20, 0x00, 0x00, 0x01}, event...)).
		Build()
}

func (s *ScannerTestSuite) TestJSONStateMergesFrames() {
	sc := s.newScanner()
	jsonAsserter := testutils.NewJSONAsserter(s.T())

	sc.handle(xiaomiEvent(0x04, 0x10, 0x02, 0xeb, 0x00))
	sc.handle(xiaomiEvent(0x06, 0x10, 0x02, 0xc4, 0x01))

	s.Equal(2, s.recorder.Count("/ble/json/aa:bb:cc:dd:ee:ff/fe95"))
	last, ok := s.recorder.Last("/ble/json/aa:bb:cc:dd:ee:ff/fe95")
	s.Require().True(ok)
	jsonAsserter.Assert(string(last.Payload), `{"temperature":23.5,"humidity":45.2}`)
	s.False(last.Retained)
}

func (s *ScannerTestSuite) TestCacheStateRetainsJSONState() {
	s.registry = registry.New("/ble", registry.Defaults{
		MinRSSI:         -100,
		PresenceTimeout: 60 * time.Second,
		CacheState:      true,
	})
	sc := s.newScanner()

	sc.handle(batteryAdv(87))

	last, ok := s.recorder.Last("/ble/json/aa:bb:cc:dd:ee:ff/180f")
	s.Require().True(ok)
	s.Equal(`{"battery":87}`, string(last.Payload))
	s.True(last.Retained)
}

func (s *ScannerTestSuite) TestPublishPresenceRepublishesInRange() {
	sc := s.newScanner()
	sc.handle(batteryAdv(87))
	s.recorder.Reset()

	sc.PublishPresence()

	last, ok := s.recorder.Last("/ble/presence/aa:bb:cc:dd:ee:ff")
	s.Require().True(ok)
	s.Equal("1", string(last.Payload))
	s.True(last.Retained)
	s.Len(s.recorder.Messages(), 1)
}

func (s *ScannerTestSuite) TestSweepHonoursDevicePresenceTimeout() {
	s.registry.DeclareKnown(sensorAddr, config.DeviceSpec{Name: "porch", PresenceTimeout: 5 * time.Second})
	sc := s.newScanner()
	sc.handle(batteryAdv(87))

	sc.sweep(s.clock.Add(6 * time.Second))

	s.False(sc.InRange(sensorAddr))
	s.Equal("0", s.recorder.Payload("/ble/presence/porch"))
}

func (s *ScannerTestSuite) TestOnlyKnownDevices() {
	s.opts.OnlyKnown = true
	sc := s.newScanner()

	sc.handle(batteryAdv(87))
	s.Empty(s.recorder.Messages())
	s.False(sc.InRange(sensorAddr))

	s.registry.DeclareKnown(sensorAddr, config.DeviceSpec{Name: "porch"})
	sc.handle(batteryAdv(87))
	s.Equal("87", s.recorder.Payload("/ble/battery/porch"))
}

func (s *ScannerTestSuite) TestMinRSSIFilter() {
	floor := -70
	s.registry.DeclareKnown(sensorAddr, config.DeviceSpec{Name: "porch", MinRSSI: &floor})
	sc := s.newScanner()

	weak := testutils.NewAdvertisementBuilder().WithAddress(sensorAddr).WithRSSI(-80).Build()
	sc.handle(weak)
	s.Empty(s.recorder.Messages())

	strong := testutils.NewAdvertisementBuilder().WithAddress(sensorAddr).WithRSSI(-65).Build()
	sc.handle(strong)
	s.Equal("-65", s.recorder.Payload("/ble/advertise/porch/rssi"))
}

func (s *ScannerTestSuite) TestManufacturerData() {
	sc := s.newScanner()
	adv := testutils.NewAdvertisementBuilder().
		WithAddress(sensorAddr).
		WithName("Puck.js 1234").
		WithRSSI(-50).
		WithServices("6e400001-b5a3-f393-e0a9-e50e24dcca9e").
		WithManufacturerData([]byte{0x90, 0x05, 0x01, 0x02}).
		Build()

	sc.handle(adv)

	s.JSONEq(`{
		"rssi": -50,
		"name": "Puck.js 1234",
		"manufacturerData": "90050102",
		"serviceUuids": ["6e400001b5a3f393e0a9e50e24dcca9e"]
	}`, s.recorder.Payload("/ble/advertise/aa:bb:cc:dd:ee:ff"))
	s.Equal(`"0102"`, s.recorder.Payload("/ble/advertise/aa:bb:cc:dd:ee:ff/manufacturer/0590"))

	snap := sc.Snapshot()
	s.Require().Len(snap, 1)
	s.Equal("Puck.js 1234", snap[0].LocalName)
	s.Equal(-50, snap[0].RSSI)
}

func (s *ScannerTestSuite) TestServiceFilters() {
	s.opts.ExcludeServices = []string{"180F"}
	sc := s.newScanner()
	sc.handle(batteryAdv(87))
	s.Zero(s.recorder.Count("/ble/advertise/aa:bb:cc:dd:ee:ff/180f"))

	s.recorder.Reset()
	s.opts.ExcludeServices = nil
	s.opts.IncludeServices = []string{"Temperature"}
	sc = s.newScanner()
	sc.handle(batteryAdv(87))
	s.Zero(s.recorder.Count("/ble/advertise/aa:bb:cc:dd:ee:ff/180f"))
}

func (s *ScannerTestSuite) TestLegacyAndJSONToggles() {
	s.opts.LegacyTopics = false
	s.opts.JSONState = false
	sc := s.newScanner()

	sc.handle(batteryAdv(87))

	s.Equal("[87]", s.recorder.Payload("/ble/advertise/aa:bb:cc:dd:ee:ff/180f"))
	s.Zero(s.recorder.Count("/ble/battery/aa:bb:cc:dd:ee:ff"))
	s.Zero(s.recorder.Count("/ble/json/aa:bb:cc:dd:ee:ff/180f"))
}

func (s *ScannerTestSuite) TestErrorReadingIsNotPublished() {
	sc := s.newScanner()
	// MiBeacon v5 frame with the encrypted flag and no bind key
	adv := testutils.NewAdvertisementBuilder().
		WithAddress(sensorAddr).
		WithServiceData("fe95", []byte{0x58, 0x58, 0x5b, 0x05, 0x01, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}).
		Build()

	sc.handle(adv)

	s.Equal(1, s.recorder.Count("/ble/advertise/aa:bb:cc:dd:ee:ff/fe95"))
	s.Zero(s.recorder.Count("/ble/json/aa:bb:cc:dd:ee:ff/fe95"))
	s.Zero(s.recorder.Count("/ble/error/aa:bb:cc:dd:ee:ff"))
}

func (s *ScannerTestSuite) TestAnnouncerSeesFilteredReading() {
	s.registry.DeclareKnown(sensorAddr, config.DeviceSpec{Name: "porch"})
	sc := s.newScanner()
	announcer := &recordingAnnouncer{}
	sc.SetAnnouncer(announcer)

	sc.handle(batteryAdv(87))

	s.Equal([]string{sensorAddr + "/180f/battery"}, announcer.calls)
}

func (s *ScannerTestSuite) TestWatchdog() {
	radio := testutils.NewFakeRadio()
	sc := s.newScanner()
	sc.Attach(radio)

	s.NoError(sc.watchdog(), "not scanning yet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx) }()
	s.Require().Eventually(radio.Scanning, time.Second, 5*time.Millisecond)

	sc.handle(batteryAdv(87))
	s.NoError(sc.watchdog(), "a packet arrived in the window")
	s.ErrorIs(sc.watchdog(), ErrRadioWedged, "silent window while scanning")

	sc.SuspendScan()
	s.False(radio.Scanning())
	s.Equal(ScanSuspended, sc.State())
	s.NoError(sc.watchdog(), "suspended window")
	s.NoError(sc.watchdog(), "still suspended")

	sc.ResumeScan()
	s.Require().Eventually(radio.Scanning, time.Second, 5*time.Millisecond)
	s.Equal(Scanning, sc.State())
	s.NoError(sc.watchdog(), "window overlapped the suspension")
	s.ErrorIs(sc.watchdog(), ErrRadioWedged)
	s.Equal(2, radio.ScanStarts())

	cancel()
	s.NoError(<-done)
	s.False(radio.Scanning())
}

func (s *ScannerTestSuite) TestRunFailsWhenRadioIsSilent() {
	s.opts.WatchdogInterval = 30 * time.Millisecond
	sc := s.newScanner()
	sc.Attach(testutils.NewFakeRadio())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.ErrorIs(sc.Run(ctx), ErrRadioWedged)
}

func (s *ScannerTestSuite) TestRunProcessesEmittedAdvertisements() {
	radio := testutils.NewFakeRadio()
	sc := New(s.registry, attributes.NewDecoder(attributes.Options{}), s.recorder, "/ble", s.opts, s.logger)
	sc.Attach(radio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx) }()
	s.Require().Eventually(radio.Scanning, time.Second, 5*time.Millisecond)

	s.True(radio.Emit(batteryAdv(87)))
	s.Eventually(func() bool {
		return s.recorder.Payload("/ble/battery/aa:bb:cc:dd:ee:ff") == "87"
	}, time.Second, 5*time.Millisecond)
	s.EqualValues(1, sc.PacketsReceived())

	cancel()
	s.NoError(<-done)
}

func (s *ScannerTestSuite) TestRunWithoutRadio() {
	sc := s.newScanner()
	s.Error(sc.Run(context.Background()))
}

func (s *ScannerTestSuite) TestPowerOn() {
	s.Run("times out", func() {
		s.opts.PowerOnTimeout = 30 * time.Millisecond
		sc := s.newScanner()
		sc.pollInterval = 5 * time.Millisecond

		radio, err := sc.PowerOn(context.Background(), func() (device.Radio, error) {
			return nil, errors.New("hci0: no such device")
		})

		s.Nil(radio)
		s.ErrorIs(err, ErrPowerOnTimeout)
		s.Equal(Idle, sc.State())
	})

	s.Run("retries until the adapter opens", func() {
		s.opts.PowerOnTimeout = time.Second
		sc := s.newScanner()
		sc.pollInterval = 5 * time.Millisecond
		fake := testutils.NewFakeRadio()

		attempts := 0
		radio, err := sc.PowerOn(context.Background(), func() (device.Radio, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("adapter powered off")
			}
			return fake, nil
		})

		s.Require().NoError(err)
		s.Same(fake, radio)
		s.Equal(3, attempts)
	})
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
