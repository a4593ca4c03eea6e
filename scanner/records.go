package scanner

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/internal/registry"
)

type seenPayload struct {
	data []byte
	at   time.Time
}

// record is the in-range state of one device.
type record struct {
	device *registry.Device

	mu        sync.Mutex
	localName string
	rssi      int
	lastSeen  time.Time
	seen      map[string]seenPayload
	gone      bool // evicted; a later sighting needs a new record
}

func newRecord(dev *registry.Device) *record {
	return &record{device: dev, seen: make(map[string]seenPayload)}
}

// touch records a sighting. It reports false if the record was already evicted.
func (r *record) touch(adv device.Advertisement, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return false
	}
	r.rssi = adv.RSSI()
	r.lastSeen = now
	if name := adv.LocalName(); name != "" {
		r.localName = name
	}
	return true
}

// changed reports whether data differs from what was last seen for uuid, or is older than window.
// A true result records data as the latest.
func (r *record) changed(uuid string, data []byte, now time.Time, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.seen[uuid]; ok && bytes.Equal(prev.data, data) && now.Sub(prev.at) < window {
		return false
	}
	r.seen[uuid] = seenPayload{data: bytes.Clone(data), at: now}
	return true
}

func (r *record) expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiredLocked(now)
}

func (r *record) expiredLocked(now time.Time) bool {
	return now.Sub(r.lastSeen) > r.device.PresenceTimeout()
}

// RecordSnapshot is a copy of one in-range record.
type RecordSnapshot struct {
	Address   string
	ID        string
	LocalName string
	RSSI      int
	LastSeen  time.Time
	Known     bool
}

func (r *record) snapshot() RecordSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecordSnapshot{
		Address:   r.device.Address(),
		ID:        r.device.Name(),
		LocalName: r.localName,
		RSSI:      r.rssi,
		LastSeen:  r.lastSeen,
		Known:     r.device.Known(),
	}
}

// InRange reports whether addr has been seen within its presence timeout.
func (s *Scanner) InRange(addr string) bool {
	_, ok := s.records.Get(device.NormalizeAddress(addr))
	return ok
}

// Snapshot returns every in-range record ordered by address.
func (s *Scanner) Snapshot() []RecordSnapshot {
	out := make([]RecordSnapshot, 0, s.records.Len())
	s.records.Range(func(_ string, r *record) bool {
		out = append(out, r.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// sweep evicts records not seen within their device's presence timeout.
func (s *Scanner) sweep(now time.Time) {
	for _, r := range s.expiredRecords(now) {
		s.evict(r, now)
	}
}

func (s *Scanner) expiredRecords(now time.Time) []*record {
	var out []*record
	s.records.Range(func(_ string, r *record) bool {
		if r.expired(now) {
			out = append(out, r)
		}
		return true
	})
	return out
}

// evict removes r if it is still expired. The record lock is held until the
// absence is published, so a sighting racing the sweep either refreshes r first
// or finds it gone and announces presence after the "0".
func (s *Scanner) evict(r *record, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone || !r.expiredLocked(now) {
		return false
	}
	r.gone = true

	dev := r.device
	s.records.Del(dev.Address())
	s.publish(dev.PresenceTopic(), []byte("0"), true)
	s.log.WithFields(logrus.Fields{
		"address": dev.Address(),
		"name":    dev.Name(),
	}).Info("Device left range")
	return true
}

// PublishPresence republishes a retained "1" for every in-range device. It is meant for
// broker reconnects, when retained state may have been lost.
func (s *Scanner) PublishPresence() {
	s.records.Range(func(_ string, r *record) bool {
		s.publish(r.device.PresenceTopic(), []byte("1"), true)
		return true
	})
}
