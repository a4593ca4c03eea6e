package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/srg/blehub/internal/attributes"
)

// Device is the identity and settings record for one peripheral, plus its last decoded state.
// Identity and settings never change after creation; only the state map is mutable.
type Device struct {
	address string
	name    string
	known   bool

	minRSSI           int
	presenceTimeout   time.Duration
	connectionTimeout time.Duration
	excludeAttributes map[string]struct{}
	bindKey           string
	cacheState        bool

	presenceTopic  string
	advertiseTopic string
	jsonTopic      string

	mu    sync.Mutex
	state map[string]*attributes.Reading
}

func (d *Device) Address() string                  { return d.address }
func (d *Device) Name() string                     { return d.name }
func (d *Device) Known() bool                      { return d.known }
func (d *Device) MinRSSI() int                     { return d.minRSSI }
func (d *Device) PresenceTimeout() time.Duration   { return d.presenceTimeout }
func (d *Device) ConnectionTimeout() time.Duration { return d.connectionTimeout }
func (d *Device) BindKey() string                  { return d.bindKey }
func (d *Device) CacheState() bool                 { return d.cacheState }

// PresenceTopic is <prefix>/presence/<name>.
func (d *Device) PresenceTopic() string { return d.presenceTopic }

// AdvertiseTopic is <prefix>/advertise/<name>.
func (d *Device) AdvertiseTopic() string { return d.advertiseTopic }

// JSONTopic is <prefix>/json/<name>.
func (d *Device) JSONTopic() string { return d.jsonTopic }

// FilterAttributes removes the device's excluded keys from r in place.
func (d *Device) FilterAttributes(r *attributes.Reading) {
	if r == nil {
		return
	}
	for key := range d.excludeAttributes {
		r.Delete(key)
	}
}

// MergeState merges the keys of r over the state known for charID and returns a copy of the result.
// Keys missing from r keep their previous value.
func (d *Device) MergeState(charID string, r *attributes.Reading) *attributes.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.state[charID]
	if !ok {
		prev = attributes.NewReading()
		d.state[charID] = prev
	}
	attributes.Merge(prev, r)
	return attributes.Clone(prev)
}

// State returns a copy of the state for charID.
func (d *Device) State(charID string) (*attributes.Reading, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.state[charID]
	if !ok {
		return nil, false
	}
	return attributes.Clone(r), true
}

// StateJSON marshals the state for charID; an unknown id yields "{}".
func (d *Device) StateJSON(charID string) ([]byte, error) {
	r, ok := d.State(charID)
	if !ok {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

// StateIDs lists the characteristic ids that currently hold state.
func (d *Device) StateIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.state))
	for id := range d.state {
		ids = append(ids, id)
	}
	return ids
}
