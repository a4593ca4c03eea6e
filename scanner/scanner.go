// Package scanner turns BLE advertisements into presence and attribute topics.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/internal/groutine"
	"github.com/srg/blehub/internal/mqtt"
	"github.com/srg/blehub/internal/registry"
	"github.com/srg/blehub/internal/ringchan"
	"github.com/srg/blehub/pkg/config"
)

var (
	ErrPowerOnTimeout = errors.New("bluetooth adapter did not power on")
	ErrRadioWedged    = errors.New("no advertisements received while scanning, radio stack looks broken")
)

// State is the scanner lifecycle phase.
type State int32

const (
	Idle State = iota
	WaitingForPowerOn
	Scanning
	ScanSuspended
)

func (s State) String() string {
	switch s {
	case WaitingForPowerOn:
		return "waiting-for-power-on"
	case Scanning:
		return "scanning"
	case ScanSuspended:
		return "suspended"
	default:
		return "idle"
	}
}

// RadioFactory opens the local adapter.
type RadioFactory func() (device.Radio, error)

// Announcer is told about every decoded reading, e.g. for Home Assistant discovery.
type Announcer interface {
	Announce(dev *registry.Device, localName, serviceID string, r *attributes.Reading)
}

// Options configures a Scanner.
type Options struct {
	PowerOnTimeout   time.Duration
	StartDelay       time.Duration
	WatchdogInterval time.Duration
	DedupeWindow     time.Duration
	OnlyKnown        bool

	LegacyTopics bool
	JSONState    bool

	ExcludeServices []string
	IncludeServices []string

	// IntakeSize bounds the advertisement queue between the radio callback and the pipeline.
	IntakeSize int
}

// OptionsFromConfig maps the ble, publish and attributes config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PowerOnTimeout:   cfg.BLE.PowerOnTimeout,
		StartDelay:       cfg.BLE.StartDelay,
		WatchdogInterval: cfg.BLE.WatchdogInterval,
		DedupeWindow:     cfg.BLE.DedupeWindow,
		OnlyKnown:        cfg.BLE.OnlyKnownDevices,
		LegacyTopics:     cfg.Publish.LegacyTopics,
		JSONState:        cfg.Publish.JSONState,
		ExcludeServices:  cfg.Attributes.ExcludeServices,
		IncludeServices:  cfg.Attributes.IncludeServices,
		IntakeSize:       256,
	}
}

// Scanner handles BLE device discovery and presence tracking.
type Scanner struct {
	opts      Options
	registry  *registry.Registry
	decoder   *attributes.Decoder
	pub       mqtt.Publisher
	topics    mqtt.Topics
	announcer Announcer
	log       *logrus.Entry
	now       func() time.Time

	exclude map[string]struct{}
	include map[string]struct{}

	records *hashmap.Map[string, *record]
	intake  *ringchan.RingChannel[device.Advertisement]

	packets atomic.Uint64 // since the last watchdog check
	total   atomic.Uint64

	pollInterval time.Duration

	mu                sync.Mutex
	radio             device.ScanningDevice
	state             State
	runCtx            context.Context
	scanCancel        context.CancelFunc
	scanDone          chan struct{}
	suspended         bool
	suspendedInWindow bool
}

// New creates a scanner. Call PowerOn (or Attach) before Run.
func New(reg *registry.Registry, decoder *attributes.Decoder, pub mqtt.Publisher, prefix string, opts Options, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.IntakeSize <= 0 {
		opts.IntakeSize = 256
	}

	s := &Scanner{
		opts:         opts,
		registry:     reg,
		decoder:      decoder,
		pub:          pub,
		topics:       mqtt.Topics{Prefix: prefix},
		log:          logger.WithField("component", "scanner"),
		now:          time.Now,
		exclude:      uuidSet(opts.ExcludeServices),
		include:      uuidSet(opts.IncludeServices),
		records:      hashmap.New[string, *record](),
		intake:       ringchan.New[device.Advertisement](opts.IntakeSize),
		pollInterval: time.Second,
	}
	return s
}

func uuidSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[device.NormalizeUUID(attributes.Lookup(id))] = struct{}{}
	}
	return set
}

// SetAnnouncer installs a reading observer. It must be called before Run.
func (s *Scanner) SetAnnouncer(a Announcer) {
	s.announcer = a
}

// State returns the current lifecycle phase.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PacketsReceived is the number of advertisements processed since start.
func (s *Scanner) PacketsReceived() uint64 {
	return s.total.Load()
}

// Attach uses an already open radio.
func (s *Scanner) Attach(radio device.ScanningDevice) {
	s.mu.Lock()
	s.radio = radio
	s.mu.Unlock()
}

// PowerOn polls factory once per interval until the adapter opens or PowerOnTimeout passes.
func (s *Scanner) PowerOn(ctx context.Context, factory RadioFactory) (device.Radio, error) {
	s.setState(WaitingForPowerOn)

	deadline := time.NewTimer(s.opts.PowerOnTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		radio, err := factory()
		if err == nil {
			s.Attach(radio)
			s.setState(Idle)
			s.log.WithField("attempt", attempt).Info("Bluetooth adapter powered on")
			return radio, nil
		}
		s.log.WithError(err).WithField("attempt", attempt).Debug("Bluetooth adapter not ready")

		select {
		case <-ctx.Done():
			s.setState(Idle)
			return nil, ctx.Err()
		case <-deadline.C:
			s.setState(Idle)
			return nil, fmt.Errorf("%w after %s: %v", ErrPowerOnTimeout, s.opts.PowerOnTimeout, err)
		case <-ticker.C:
		}
	}
}

func (s *Scanner) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run scans until ctx is done. It returns ErrRadioWedged when the watchdog trips.
func (s *Scanner) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.radio == nil {
		s.mu.Unlock()
		return errors.New("scanner: radio is not powered on")
	}
	s.mu.Unlock()

	select {
	case <-time.After(s.opts.StartDelay):
	case <-ctx.Done():
		return nil
	}

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	groutine.Go(ctx, "scanner-intake", s.consume)
	s.startScan()
	defer s.stopScan()

	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	watchdog := time.NewTicker(s.opts.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-sweep.C:
			s.sweep(now)
		case <-watchdog.C:
			if err := s.watchdog(); err != nil {
				s.log.WithField("window", s.opts.WatchdogInterval).Error("No advertisements received while scanning")
				return err
			}
		}
	}
}

func (s *Scanner) consume(ctx context.Context) {
	for {
		adv, err := s.intake.Receive(ctx)
		if err != nil {
			return
		}
		s.handle(adv)
	}
}

// onAdvertisement runs on the radio's callback goroutine.
func (s *Scanner) onAdvertisement(adv device.Advertisement) {
	if s.intake.Send(adv) {
		s.log.Debug("Advertisement intake full, dropped oldest")
	}
}

func (s *Scanner) startScan() {
	s.mu.Lock()
	if s.runCtx == nil || s.suspended || s.scanCancel != nil || s.radio == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	done := make(chan struct{})
	radio := s.radio
	s.scanCancel, s.scanDone = cancel, done
	s.state = Scanning
	s.mu.Unlock()

	s.log.Info("Scanning started")
	groutine.Go(ctx, "scanner-radio", func(ctx context.Context) {
		defer close(done)
		err := radio.Scan(ctx, true, s.onAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.log.WithError(device.NormalizeError(err)).Warn("Scan stopped")
		}
	})
}

// stopScan cancels the active scan and waits for the radio to let go.
func (s *Scanner) stopScan() {
	s.mu.Lock()
	cancel, done := s.scanCancel, s.scanDone
	s.scanCancel, s.scanDone = nil, nil
	if s.state == Scanning {
		s.state = Idle
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("Scanning stopped")
}

// SuspendScan releases the radio for a GATT connection.
func (s *Scanner) SuspendScan() {
	s.mu.Lock()
	s.suspended = true
	s.suspendedInWindow = true
	s.mu.Unlock()

	s.stopScan()
	s.setState(ScanSuspended)
}

// ResumeScan restarts scanning after SuspendScan.
func (s *Scanner) ResumeScan() {
	s.mu.Lock()
	wasSuspended := s.suspended
	s.suspended = false
	if s.state == ScanSuspended {
		s.state = Idle
	}
	s.mu.Unlock()

	if wasSuspended {
		s.startScan()
	}
}

// watchdog checks the window that just ended. Windows with any suspension never trip.
func (s *Scanner) watchdog() error {
	n := s.packets.Swap(0)

	s.mu.Lock()
	quiet := s.suspendedInWindow || s.suspended || s.scanCancel == nil
	s.suspendedInWindow = s.suspended
	s.mu.Unlock()

	if n == 0 && !quiet {
		return ErrRadioWedged
	}
	return nil
}
