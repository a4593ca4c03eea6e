package testutils

import (
	"sort"
	"sync"

	"github.com/srg/blehub/internal/device"
)

type fakeChar struct {
	uuid  string
	props device.Properties
}

func (c *fakeChar) UUID() string                  { return c.uuid }
func (c *fakeChar) Properties() device.Properties { return c.props }

// FakeLink is a scriptable device.Link.
type FakeLink struct {
	mu       sync.Mutex
	addr     string
	services map[string]map[string]*fakeChar
	values   map[string][]byte
	writes   map[string][][]byte
	subs     map[string]func([]byte)

	discoveries    int
	subscribeCalls int
	discoveryGate  chan struct{}
	writeErr       error
	readErr        error

	gone     chan struct{}
	goneOnce *sync.Once
	closed   bool
}

var _ device.Link = (*FakeLink)(nil)

// NewFakeLink creates a link with no services.
func NewFakeLink(addr string) *FakeLink {
	l := &FakeLink{
		addr:     device.NormalizeAddress(addr),
		services: make(map[string]map[string]*fakeChar),
		values:   make(map[string][]byte),
		writes:   make(map[string][][]byte),
		subs:     make(map[string]func([]byte)),
	}
	l.reopen()
	return l
}

func key(svc, char string) string { return svc + "/" + char }

// WithCharacteristic adds a characteristic, creating its service as needed.
func (l *FakeLink) WithCharacteristic(svc, char string, props device.Properties) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	svc, char = device.NormalizeUUID(svc), device.NormalizeUUID(char)
	if l.services[svc] == nil {
		l.services[svc] = make(map[string]*fakeChar)
	}
	l.services[svc][char] = &fakeChar{uuid: char, props: props}
	return l
}

// WithValue sets what Read returns for a characteristic.
func (l *FakeLink) WithValue(svc, char string, data []byte) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[key(device.NormalizeUUID(svc), device.NormalizeUUID(char))] = data
	return l
}

// BlockDiscovery makes Characteristic hang until the returned release func is called.
func (l *FakeLink) BlockDiscovery() (release func()) {
	gate := make(chan struct{})
	l.mu.Lock()
	l.discoveryGate = gate
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.discoveryGate == gate {
				l.discoveryGate = nil
			}
			l.mu.Unlock()
			close(gate)
		})
	}
}

// FailWrites makes every Write return err.
func (l *FakeLink) FailWrites(err error) {
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

// FailReads makes every Read return err.
func (l *FakeLink) FailReads(err error) {
	l.mu.Lock()
	l.readErr = err
	l.mu.Unlock()
}

func (l *FakeLink) Address() string { return l.addr }

func (l *FakeLink) Characteristic(svc, char string) (device.Characteristic, error) {
	l.mu.Lock()
	l.discoveries++
	gate, gone := l.discoveryGate, l.gone
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-gone:
			return nil, device.ErrDisconnected
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	chars, ok := l.services[svc]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{svc}}
	}
	c, ok := chars[char]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, char}}
	}
	return c, nil
}

func (l *FakeLink) Services() ([]device.ServiceInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discoveries++

	out := make([]device.ServiceInfo, 0, len(l.services))
	for svc, chars := range l.services {
		info := device.ServiceInfo{UUID: svc}
		for _, c := range chars {
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{UUID: c.uuid, Properties: c.props})
		}
		sort.Slice(info.Characteristics, func(i, j int) bool {
			return info.Characteristics[i].UUID < info.Characteristics[j].UUID
		})
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (l *FakeLink) charKey(c device.Characteristic) string {
	for svc, chars := range l.services {
		for uuid, fc := range chars {
			if fc == c {
				return key(svc, uuid)
			}
		}
	}
	return key("?", c.UUID())
}

func (l *FakeLink) Read(c device.Characteristic) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, device.ErrNotConnected
	}
	if l.readErr != nil {
		return nil, l.readErr
	}
	return l.values[l.charKey(c)], nil
}

func (l *FakeLink) Write(c device.Characteristic, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrNotConnected
	}
	if l.writeErr != nil {
		return l.writeErr
	}
	k := l.charKey(c)
	l.writes[k] = append(l.writes[k], append([]byte(nil), data...))
	return nil
}

func (l *FakeLink) Subscribe(c device.Characteristic, handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrNotConnected
	}
	l.subscribeCalls++
	l.subs[l.charKey(c)] = handler
	return nil
}

func (l *FakeLink) Disconnected() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gone
}

func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	once, gone := l.goneOnce, l.gone
	l.mu.Unlock()
	once.Do(func() { close(gone) })
	return nil
}

// DropConnection simulates a remote disconnect.
func (l *FakeLink) DropConnection() {
	l.Close()
}

// reopen readies the link for another dial.
func (l *FakeLink) reopen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gone != nil && !l.closed {
		return
	}
	l.gone = make(chan struct{})
	l.goneOnce = &sync.Once{}
	l.closed = false
	l.subs = make(map[string]func([]byte))
}

// Notify pushes data to the subscriber of svc/char. It reports whether one existed.
func (l *FakeLink) Notify(svc, char string, data []byte) bool {
	l.mu.Lock()
	h := l.subs[key(device.NormalizeUUID(svc), device.NormalizeUUID(char))]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Writes returns every chunk written to svc/char.
func (l *FakeLink) Writes(svc, char string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes[key(device.NormalizeUUID(svc), device.NormalizeUUID(char))]...)
}

// Written concatenates the chunks written to svc/char.
func (l *FakeLink) Written(svc, char string) []byte {
	var out []byte
	for _, chunk := range l.Writes(svc, char) {
		out = append(out, chunk...)
	}
	return out
}

// Discoveries counts Characteristic and Services calls.
func (l *FakeLink) Discoveries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discoveries
}

// SubscribeCalls counts Subscribe calls.
func (l *FakeLink) SubscribeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeCalls
}

// Closed reports whether the link is currently closed.
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
