// Package registry keeps the address-keyed table of known and seen devices.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/pkg/config"
)

// Defaults are applied to every device unless its spec overrides them.
type Defaults struct {
	MinRSSI           int
	PresenceTimeout   time.Duration
	ConnectionTimeout time.Duration
	ExcludeAttributes []string
	CacheState        bool
}

// Registry maps canonical addresses to devices.
type Registry struct {
	prefix   string
	defaults Defaults

	mu      sync.RWMutex
	devices map[string]*Device
}

// New creates an empty registry publishing under prefix.
func New(prefix string, defaults Defaults) *Registry {
	return &Registry{
		prefix:   prefix,
		defaults: defaults,
		devices:  make(map[string]*Device),
	}
}

// FromConfig builds a registry with every configured device declared.
func FromConfig(cfg *config.Config) *Registry {
	r := New(cfg.MQTT.Prefix, Defaults{
		MinRSSI:           cfg.BLE.MinRSSI,
		PresenceTimeout:   cfg.BLE.PresenceTimeout,
		ConnectionTimeout: cfg.BLE.ConnectionTimeout,
		ExcludeAttributes: cfg.Attributes.ExcludeAttributes,
		CacheState:        cfg.Publish.CacheState,
	})
	for addr, spec := range cfg.Devices {
		r.DeclareKnown(addr, spec)
	}
	return r
}

func (r *Registry) newDevice(addr string, spec config.DeviceSpec) *Device {
	d := &Device{
		address:           addr,
		name:              spec.Name,
		minRSSI:           r.defaults.MinRSSI,
		presenceTimeout:   r.defaults.PresenceTimeout,
		connectionTimeout: r.defaults.ConnectionTimeout,
		bindKey:           spec.BindKey,
		cacheState:        r.defaults.CacheState,
		excludeAttributes: make(map[string]struct{}),
		state:             make(map[string]*attributes.Reading),
	}
	if d.name == "" {
		d.name = addr
	}
	if spec.MinRSSI != nil {
		d.minRSSI = *spec.MinRSSI
	}
	if spec.PresenceTimeout > 0 {
		d.presenceTimeout = spec.PresenceTimeout
	}
	if spec.ConnectionTimeout > 0 {
		d.connectionTimeout = spec.ConnectionTimeout
	}
	if spec.CacheState != nil {
		d.cacheState = *spec.CacheState
	}
	excludes := r.defaults.ExcludeAttributes
	if spec.ExcludeAttributes != nil {
		excludes = spec.ExcludeAttributes
	}
	for _, key := range excludes {
		d.excludeAttributes[key] = struct{}{}
	}

	d.presenceTopic = r.prefix + "/presence/" + d.name
	d.advertiseTopic = r.prefix + "/advertise/" + d.name
	d.jsonTopic = r.prefix + "/json/" + d.name
	return d
}

// GetByMac returns the device for addr, creating an unknown one named after its address.
func (r *Registry) GetByMac(addr string) *Device {
	addr = device.NormalizeAddress(addr)

	r.mu.RLock()
	d, ok := r.devices[addr]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok = r.devices[addr]; ok {
		return d
	}
	d = r.newDevice(addr, config.DeviceSpec{})
	r.devices[addr] = d
	return d
}

// DeclareKnown registers addr with its overrides, replacing any earlier record.
func (r *Registry) DeclareKnown(addr string, spec config.DeviceSpec) *Device {
	addr = device.NormalizeAddress(addr)
	d := r.newDevice(addr, spec)
	d.known = true

	r.mu.Lock()
	r.devices[addr] = d
	r.mu.Unlock()
	return d
}

// Lookup returns the device for addr without creating it.
func (r *Registry) Lookup(addr string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[device.NormalizeAddress(addr)]
	return d, ok
}

// GetByName finds a device by its name.
func (r *Registry) GetByName(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.name == name {
			return d, true
		}
	}
	return nil, false
}

// ResolveAddress maps a device name to its address. Anything else is returned as a canonical address.
func (r *Registry) ResolveAddress(nameOrAddr string) string {
	if d, ok := r.GetByName(nameOrAddr); ok {
		return d.address
	}
	return device.NormalizeAddress(nameOrAddr)
}

// Devices returns every registered device ordered by address.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}
