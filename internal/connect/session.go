package connect

import (
	"sync"

	"github.com/srg/blehub/internal/device"
)

// session is one open (or opening) GATT link.
// link and idle are guarded by Manager.mu; the handle caches by the session's own mutex.
type session struct {
	addr  string
	link  device.Link
	idle  int
	ready chan struct{}
	err   error

	mu     sync.Mutex
	chars  map[string]device.Characteristic
	notify map[string]func([]byte)
}

func newSession(addr string) *session {
	return &session{
		addr:   addr,
		ready:  make(chan struct{}),
		chars:  make(map[string]device.Characteristic),
		notify: make(map[string]func([]byte)),
	}
}

func charKey(svc, char string) string { return svc + "/" + char }

func (s *session) cached(key string) (device.Characteristic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chars[key]
	return c, ok
}

func (s *session) cache(key string, c device.Characteristic) {
	s.mu.Lock()
	s.chars[key] = c
	s.mu.Unlock()
}

// swapNotify replaces the callback of an existing subscription. It reports false when none exists.
func (s *session) swapNotify(key string, fn func([]byte)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notify[key]; !ok {
		return false
	}
	s.notify[key] = fn
	return true
}

func (s *session) setNotify(key string, fn func([]byte)) {
	s.mu.Lock()
	s.notify[key] = fn
	s.mu.Unlock()
}

func (s *session) notifyHandler(key string) func([]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify[key]
}
