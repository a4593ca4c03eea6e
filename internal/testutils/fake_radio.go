package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/blehub/internal/device"
)

// FakeRadio is a device.Radio driven by the test.
type FakeRadio struct {
	mu         sync.Mutex
	handler    func(device.Advertisement)
	scanStarts int
	scanErr    error

	links    map[string]*FakeLink
	dialErrs map[string]error
	dials    []string
	dialGate chan struct{}
	closed   bool
}

var _ device.Radio = (*FakeRadio)(nil)

// NewFakeRadio creates a radio with no links.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		links:    make(map[string]*FakeLink),
		dialErrs: make(map[string]error),
	}
}

// FailScan makes the next Scan calls return err immediately.
func (r *FakeRadio) FailScan(err error) {
	r.mu.Lock()
	r.scanErr = err
	r.mu.Unlock()
}

// Scan blocks until ctx is done, delivering whatever Emit sends meanwhile.
func (r *FakeRadio) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	r.mu.Lock()
	if r.scanErr != nil {
		err := r.scanErr
		r.mu.Unlock()
		return err
	}
	r.scanStarts++
	r.handler = handler
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	r.handler = nil
	r.mu.Unlock()
	return ctx.Err()
}

// Emit delivers adv to the active scan. It reports false when nothing is scanning.
func (r *FakeRadio) Emit(adv device.Advertisement) bool {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

// Scanning reports whether a Scan call is active.
func (r *FakeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

// ScanStarts counts Scan calls that started scanning.
func (r *FakeRadio) ScanStarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanStarts
}

// AddLink makes Dial(addr) return link.
func (r *FakeRadio) AddLink(link *FakeLink) *FakeLink {
	r.mu.Lock()
	r.links[link.Address()] = link
	r.mu.Unlock()
	return link
}

// Link returns the link for addr, creating an empty one.
func (r *FakeRadio) Link(addr string) *FakeLink {
	addr = device.NormalizeAddress(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[addr]
	if !ok {
		l = NewFakeLink(addr)
		r.links[addr] = l
	}
	return l
}

// FailDial makes Dial(addr) return err.
func (r *FakeRadio) FailDial(addr string, err error) {
	r.mu.Lock()
	r.dialErrs[device.NormalizeAddress(addr)] = err
	r.mu.Unlock()
}

// HoldDials makes Dial block until release is called or the dial context ends.
func (r *FakeRadio) HoldDials() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.dialGate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.dialGate == gate {
				r.dialGate = nil
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

func (r *FakeRadio) Dial(ctx context.Context, addr string) (device.Link, error) {
	addr = device.NormalizeAddress(addr)
	r.mu.Lock()
	r.dials = append(r.dials, addr)
	gate := r.dialGate
	err := r.dialErrs[addr]
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return nil, errors.New("radio closed")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	l := r.Link(addr)
	l.reopen()
	return l, nil
}

// Dials returns every dialed address in order.
func (r *FakeRadio) Dials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dials...)
}

// DialCount counts dials to addr.
func (r *FakeRadio) DialCount(addr string) int {
	addr = device.NormalizeAddress(addr)
	n := 0
	for _, d := range r.Dials() {
		if d == addr {
			n++
		}
	}
	return n
}

func (r *FakeRadio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
