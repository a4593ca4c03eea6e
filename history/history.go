// Package history rolls numeric topics up into per-interval means, logs them to day files
// and answers range queries over MQTT.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/mqtt"
	"github.com/srg/blehub/pkg/config"
)

var (
	ErrInvalidWindow   = errors.New("invalid time window")
	ErrUnknownInterval = errors.New("unknown interval")
)

// earliestYear bounds queries so a zero or garbage date cannot walk years of day files.
const earliestYear = 2018

// Options configures a Service.
type Options struct {
	// Prefix is the bridge topic prefix whose data is recorded, e.g. "/ble".
	Prefix string
	// HistPrefix roots commands and rollup topics, e.g. "/hist/".
	HistPrefix string
	Intervals  []config.Interval
}

// OptionsFromConfig maps the mqtt and history config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Prefix:     cfg.MQTT.Prefix,
		HistPrefix: cfg.History.Prefix,
		Intervals:  cfg.History.Intervals,
	}
}

type bucket struct {
	sum float64
	n   int
}

type interval struct {
	name    string
	period  time.Duration
	elapsed time.Duration
	buckets map[string]*bucket
}

// Service accumulates samples and flushes them when an interval elapses.
type Service struct {
	bus   mqtt.Bus
	store *Store
	sink  Sink
	opts  Options
	log   *logrus.Entry
	now   func() time.Time

	mu        sync.Mutex
	intervals []*interval
}

// New creates a history service. store may be nil, in which case nothing is logged to disk
// and queries fail.
func New(bus mqtt.Bus, store *Store, opts Options, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if len(opts.Intervals) == 0 {
		opts.Intervals = config.DefaultHistoryIntervals()
	}
	s := &Service{
		bus:   bus,
		store: store,
		opts:  opts,
		log:   logger.WithField("component", "history"),
		now:   time.Now,
	}
	for _, iv := range opts.Intervals {
		s.intervals = append(s.intervals, &interval{
			name:    iv.Name,
			period:  iv.Period,
			buckets: make(map[string]*bucket),
		})
	}
	return s
}

// SetSink adds a secondary destination for flushed rollups.
func (s *Service) SetSink(sink Sink) {
	s.sink = sink
}

// Start subscribes to every bridge topic and to history requests.
func (s *Service) Start() error {
	if err := s.bus.Subscribe(mqtt.Topics{Prefix: s.opts.Prefix}.All(), s.handleData); err != nil {
		return fmt.Errorf("subscribe data: %w", err)
	}
	if err := s.bus.Subscribe(s.opts.HistPrefix+"#", s.handleCommand); err != nil {
		return fmt.Errorf("subscribe requests: %w", err)
	}
	s.log.WithField("intervals", len(s.intervals)).Info("History recording started")
	return nil
}

// Run flushes due intervals once per second until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if s.sink != nil {
				return s.sink.Close()
			}
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Service) handleData(topic string, payload []byte) error {
	if strings.Contains(topic, " ") {
		s.log.WithField("topic", topic).Debug("Topic ignored due to whitespace")
		return nil
	}
	if strings.HasPrefix(topic, s.opts.HistPrefix) {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, iv := range s.intervals {
		b, ok := iv.buckets[topic]
		if !ok {
			b = &bucket{}
			iv.buckets[topic] = b
		}
		b.sum += v
		b.n++
	}
	return nil
}

type rollup struct {
	interval string
	topic    string
	mean     float64
}

// tick advances every interval by one second and flushes those that are due.
func (s *Service) tick() {
	now := s.now()

	var due []rollup
	s.mu.Lock()
	for _, iv := range s.intervals {
		iv.elapsed += time.Second
		if iv.elapsed < iv.period {
			continue
		}
		start := len(due)
		for topic, b := range iv.buckets {
			if b.n > 0 {
				due = append(due, rollup{interval: iv.name, topic: topic, mean: b.sum / float64(b.n)})
			}
		}
		batch := due[start:]
		sort.Slice(batch, func(i, j int) bool { return batch[i].topic < batch[j].topic })
		iv.buckets = make(map[string]*bucket)
		iv.elapsed = 0
	}
	s.mu.Unlock()

	for _, r := range due {
		if s.store != nil {
			if err := s.store.Append(r.interval, r.topic, now, r.mean); err != nil {
				s.log.WithError(err).WithField("topic", r.topic).Warn("Failed to write history log")
			}
		}
		if err := s.bus.Publish(s.opts.HistPrefix+r.interval+r.topic, []byte(formatValue(r.mean)), false); err != nil {
			s.log.WithError(err).WithField("topic", r.topic).Debug("Publish failed")
		}
		if s.sink != nil {
			s.sink.Write(r.interval, r.topic, r.mean, now)
		}
	}
}

// Query returns the logged means of topic for interval between from and to.
func (s *Service) Query(intervalName, topic string, from, to time.Time) (Series, error) {
	if !s.hasInterval(intervalName) {
		return Series{}, fmt.Errorf("%w: %q", ErrUnknownInterval, intervalName)
	}
	if from.Year() < earliestYear || to.After(s.now().Add(24*time.Hour)) || to.Before(from) {
		return Series{}, fmt.Errorf("%w: %s to %s", ErrInvalidWindow, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if s.store == nil {
		return Series{}, errors.New("history log directory is not configured")
	}
	return s.store.Read(intervalName, topic, from, to)
}

func (s *Service) hasInterval(name string) bool {
	for _, iv := range s.intervals {
		if iv.name == name {
			return true
		}
	}
	return false
}

func (s *Service) handleCommand(topic string, payload []byte) error {
	requestPrefix := s.opts.HistPrefix + "request/"
	tag, ok := strings.CutPrefix(topic, requestPrefix)
	if !ok {
		return nil
	}
	log := s.log.WithField("topic", topic)

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		log.WithError(err).Warn("Malformed history request")
		return nil
	}
	log.WithFields(logrus.Fields{"interval": req.Interval, "query": req.Topic}).Info("History request")

	from, to, err := req.Window(s.now())
	if err != nil {
		log.WithError(err).Warn("Invalid history request")
		return nil
	}
	series, err := s.Query(req.Interval, req.Topic, from, to)
	if err != nil {
		log.WithError(err).Warn("History query failed")
		return nil
	}

	body, err := json.Marshal(series)
	if err != nil {
		return err
	}
	log.WithField("items", len(series.Data)).Info("History response")
	if err := s.bus.Publish(s.opts.HistPrefix+"response/"+tag, body, false); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}
	return nil
}
