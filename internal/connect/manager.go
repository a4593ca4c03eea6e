// Package connect serializes GATT operations over a small pool of BLE sessions.
//
// Every operation becomes a job in one FIFO queue. A single busy gate lets one job
// run at a time, because connecting needs the radio to itself and interleaved
// discovery on two peripherals corrupts both.
package connect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/internal/groutine"
	"github.com/srg/blehub/internal/registry"
	"github.com/srg/blehub/pkg/config"
)

// chunkSize is the largest write every peripheral accepts without a larger MTU.
const chunkSize = 20

// RadioArbiter hands the radio over between scanning and connecting.
type RadioArbiter interface {
	SuspendScan()
	ResumeScan()
}

// Options configures a Manager.
type Options struct {
	MaxConnections int
	// ConnectionTimeout is the idle time before a session is closed, unless the device overrides it.
	ConnectionTimeout time.Duration
	ConnectTimeout    time.Duration
	DiscoveryTimeout  time.Duration
	BusyTimeout       time.Duration
	QueueDelay        time.Duration
	ConnectDelay      time.Duration
}

// OptionsFromConfig maps the ble config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConnections:    cfg.BLE.MaxConnections,
		ConnectionTimeout: cfg.BLE.ConnectionTimeout,
		ConnectTimeout:    cfg.BLE.ConnectTimeout,
		DiscoveryTimeout:  cfg.BLE.DiscoveryTimeout,
		BusyTimeout:       cfg.BLE.BusyTimeout,
		QueueDelay:        cfg.BLE.QueueDelay,
		ConnectDelay:      cfg.BLE.ConnectDelay,
	}
}

// Manager owns the job queue, the busy gate and the open sessions.
type Manager struct {
	opts     Options
	dialer   device.Dialer
	arbiter  RadioArbiter
	registry *registry.Registry
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []*job
	sessions  map[string]*session
	inflight  *job
	busyTicks int
	closed    bool
}

// New creates a manager. arbiter and reg may be nil.
func New(dialer device.Dialer, arbiter RadioArbiter, reg *registry.Registry, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		dialer:   dialer,
		arbiter:  arbiter,
		registry: reg,
		log:      logger.WithField("component", "connect"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Write sends payload to svc/char in chunkSize pieces.
func (m *Manager) Write(addr, svc, char string, payload []byte, cb func(error)) {
	addr, svc, char = device.NormalizeAddress(addr), device.NormalizeUUID(svc), device.NormalizeUUID(char)
	m.enqueue(newJob(addr, "write", func(ctx context.Context, s *session) error {
		c, err := m.resolve(ctx, s, svc, char)
		if err != nil {
			return err
		}
		for off := 0; off < len(payload); off += chunkSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(off+chunkSize, len(payload))
			if err := s.link.Write(c, payload[off:end]); err != nil {
				return fmt.Errorf("write %s/%s: %w", svc, char, device.NormalizeError(err))
			}
		}
		m.log.WithFields(logrus.Fields{
			"address":        addr,
			"characteristic": char,
			"bytes":          len(payload),
		}).Info("Written")
		return nil
	}, cb))
}

// Read fetches the value of svc/char.
func (m *Manager) Read(addr, svc, char string, cb func([]byte, error)) {
	addr, svc, char = device.NormalizeAddress(addr), device.NormalizeUUID(svc), device.NormalizeUUID(char)
	var data []byte
	m.enqueue(newJob(addr, "read", func(ctx context.Context, s *session) error {
		c, err := m.resolve(ctx, s, svc, char)
		if err != nil {
			return err
		}
		data, err = s.link.Read(c)
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", svc, char, device.NormalizeError(err))
		}
		return nil
	}, func(err error) {
		if cb == nil {
			return
		}
		if err != nil {
			cb(nil, err)
			return
		}
		cb(data, nil)
	}))
}

// ReadServices enumerates every service and characteristic of addr.
func (m *Manager) ReadServices(addr string, cb func([]device.ServiceInfo, error)) {
	addr = device.NormalizeAddress(addr)
	var services []device.ServiceInfo
	m.enqueue(newJob(addr, "services", func(ctx context.Context, s *session) error {
		var err error
		services, err = bounded(ctx, m.opts.DiscoveryTimeout, s.link.Services)
		if err != nil {
			return fmt.Errorf("discover services: %w", err)
		}
		return nil
	}, func(err error) {
		if cb == nil {
			return
		}
		if err != nil {
			cb(nil, err)
			return
		}
		cb(services, nil)
	}))
}

// Notify subscribes onData to svc/char. Subscribing again only replaces onData.
func (m *Manager) Notify(addr, svc, char string, onData func([]byte), cb func(error)) {
	addr, svc, char = device.NormalizeAddress(addr), device.NormalizeUUID(svc), device.NormalizeUUID(char)
	key := charKey(svc, char)
	m.enqueue(newJob(addr, "notify", func(ctx context.Context, s *session) error {
		c, err := m.resolve(ctx, s, svc, char)
		if err != nil {
			return err
		}
		if s.swapNotify(key, onData) {
			m.log.WithField("address", addr).Debug("Notifications already set up")
			return nil
		}
		err = s.link.Subscribe(c, func(data []byte) {
			m.touch(s)
			if h := s.notifyHandler(key); h != nil {
				h(data)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", svc, char, device.NormalizeError(err))
		}
		s.setNotify(key, onData)
		m.log.WithFields(logrus.Fields{"address": addr, "characteristic": char}).Info("Notifications started")
		return nil
	}, cb))
}

// Ping connects to addr, or resets the idle timer of an open session.
func (m *Manager) Ping(addr string, cb func(error)) {
	addr = device.NormalizeAddress(addr)
	m.enqueue(newJob(addr, "ping", func(context.Context, *session) error { return nil }, cb))
}

func (m *Manager) enqueue(j *job) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		j.once.Do(func() { j.done(ErrManagerClosed) })
		return
	}
	m.queue = append(m.queue, j)
	m.mu.Unlock()
	m.pump()
}

// pump starts the head job if the gate is free and a session slot is available.
func (m *Manager) pump() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.inflight != nil {
		return
	}
	if len(m.queue) == 0 {
		if len(m.sessions) == 0 && m.arbiter != nil {
			m.arbiter.ResumeScan()
		}
		return
	}

	j := m.queue[0]
	if _, open := m.sessions[j.addr]; !open && len(m.sessions) >= m.opts.MaxConnections {
		m.log.WithField("queued", len(m.queue)).Debug("All connection slots in use")
		return
	}

	m.queue = m.queue[1:]
	m.inflight = j
	m.busyTicks = 0
	ctx, cancel := context.WithCancel(m.ctx)
	j.cancel = cancel
	groutine.Go(ctx, "connect-"+j.op, func(ctx context.Context) { m.execute(ctx, j) })
}

func (m *Manager) execute(ctx context.Context, j *job) {
	if err := sleep(ctx, m.opts.QueueDelay); err != nil {
		m.complete(j, err)
		return
	}
	s, err := m.acquire(ctx, j.addr)
	if err != nil {
		m.complete(j, err)
		return
	}
	m.complete(j, j.exec(ctx, s))
}

// complete delivers the outcome of j once, releases the gate if j still holds it and re-pumps.
func (m *Manager) complete(j *job, err error) {
	j.once.Do(func() {
		m.mu.Lock()
		if m.inflight == j {
			m.inflight = nil
			m.busyTicks = 0
		}
		m.mu.Unlock()

		if j.cancel != nil {
			j.cancel()
		}
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"address": j.addr, "op": j.op}).Warn("Operation failed")
		}
		j.done(err)
		m.pump()
	})
}

// acquire returns the open session for addr, connecting if there is none.
func (m *Manager) acquire(ctx context.Context, addr string) (*session, error) {
	for {
		m.mu.Lock()
		s, ok := m.sessions[addr]
		if !ok {
			break
		}
		m.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err == nil {
			m.touch(s)
			return s, nil
		}
		// an abandoned dial failed and removed itself; try again
	}

	// registered before the dial so it counts against MaxConnections
	s := newSession(addr)
	m.sessions[addr] = s
	m.mu.Unlock()

	if m.arbiter != nil {
		m.arbiter.SuspendScan()
	}
	m.log.WithField("address", addr).Info("Connecting")

	link, err := m.dial(ctx, addr)
	if err != nil {
		m.mu.Lock()
		if m.sessions[addr] == s {
			delete(m.sessions, addr)
		}
		m.mu.Unlock()
		s.err = err
		close(s.ready)
		return nil, err
	}

	m.mu.Lock()
	s.link = link
	m.mu.Unlock()
	close(s.ready)

	m.log.WithField("address", addr).Info("Connected")
	groutine.Go(m.ctx, "connect-monitor", func(context.Context) { m.monitor(s) })
	return s, nil
}

func (m *Manager) dial(ctx context.Context, addr string) (device.Link, error) {
	if err := sleep(ctx, m.opts.ConnectDelay); err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	link, err := m.dialer.Dial(dctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, device.NormalizeError(err))
	}
	return link, nil
}

// monitor removes s when the peripheral drops the link and fails the job running on it.
func (m *Manager) monitor(s *session) {
	<-s.link.Disconnected()

	m.mu.Lock()
	if m.sessions[s.addr] != s {
		// closed locally
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.addr)
	j := m.inflight
	if j != nil && j.addr != s.addr {
		j = nil
	}
	m.mu.Unlock()

	m.log.WithField("address", s.addr).Info("Disconnected by device")
	if j != nil {
		m.complete(j, device.ErrDisconnected)
		return
	}
	m.pump()
}

// resolve finds svc/char on the session, caching the handle only when discovery succeeds.
func (m *Manager) resolve(ctx context.Context, s *session, svc, char string) (device.Characteristic, error) {
	key := charKey(svc, char)
	if c, ok := s.cached(key); ok {
		return c, nil
	}

	c, err := bounded(ctx, m.opts.DiscoveryTimeout, func() (device.Characteristic, error) {
		return s.link.Characteristic(svc, char)
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s/%s: %w", svc, char, err)
	}
	s.cache(key, c)
	return c, nil
}

func (m *Manager) touch(s *session) {
	m.mu.Lock()
	s.idle = 0
	m.mu.Unlock()
}

func (m *Manager) idleLimit(addr string) time.Duration {
	if m.registry != nil {
		if dev, ok := m.registry.Lookup(addr); ok && dev.ConnectionTimeout() > 0 {
			return dev.ConnectionTimeout()
		}
	}
	return m.opts.ConnectionTimeout
}

// tick is the 1 Hz housekeeping step: idle eviction and the busy watchdog.
func (m *Manager) tick() {
	m.mu.Lock()
	var evicted []*session
	for addr, s := range m.sessions {
		if s.link == nil || (m.inflight != nil && m.inflight.addr == addr) {
			continue
		}
		s.idle++
		if time.Duration(s.idle)*time.Second > m.idleLimit(addr) {
			delete(m.sessions, addr)
			evicted = append(evicted, s)
		}
	}

	var stuck *job
	if m.inflight != nil {
		m.busyTicks++
		if time.Duration(m.busyTicks)*time.Second > m.opts.BusyTimeout {
			stuck = m.inflight
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		m.log.WithField("address", s.addr).Info("Disconnecting due to lack of use")
		if err := s.link.Close(); err != nil {
			m.log.WithError(err).WithField("address", s.addr).Debug("Close failed")
		}
	}

	switch {
	case stuck != nil:
		m.log.WithFields(logrus.Fields{"address": stuck.addr, "op": stuck.op}).
			Warnf("Busy for more than %s, releasing", m.opts.BusyTimeout)
		m.complete(stuck, ErrBusyTimeout)
	case len(evicted) > 0:
		m.pump()
	}
}

// Run drives tick until ctx is done, then closes every session and fails pending jobs.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queued, inflight := m.queue, m.inflight
	m.queue = nil
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	m.cancel()
	for _, j := range queued {
		m.complete(j, ErrManagerClosed)
	}
	if inflight != nil {
		m.complete(inflight, ErrManagerClosed)
	}
	for _, s := range sessions {
		if s.link != nil {
			_ = s.link.Close()
		}
	}
	m.log.WithField("sessions", len(sessions)).Info("Connection manager stopped")
}

// Status is a point-in-time view of the manager.
type Status struct {
	Connections []string
	Queued      int
	Busy        bool
}

// Status reports open sessions ordered by address.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := make([]string, 0, len(m.sessions))
	for addr := range m.sessions {
		conns = append(conns, addr)
	}
	sort.Strings(conns)
	return Status{Connections: conns, Queued: len(m.queue), Busy: m.inflight != nil}
}

// StatusText renders the status line, e.g. "[CONNECT] Connections [aa:bb:cc:dd:ee:ff] IDLE".
func (m *Manager) StatusText() string {
	st := m.Status()
	state := "IDLE"
	if st.Busy {
		state = "BUSY"
	}
	return fmt.Sprintf("[CONNECT] Connections [%s] %s", strings.Join(st.Connections, ", "), state)
}

// bounded runs fn with a deadline. On timeout fn keeps running but its result is discarded.
func bounded[T any](ctx context.Context, d time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	if d <= 0 {
		return fn()
	}
	ch := make(chan result, 1)
	groutine.Go(ctx, "connect-discovery", func(context.Context) {
		v, err := fn()
		ch <- result{v, err}
	})

	var zero T
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		return zero, device.ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
