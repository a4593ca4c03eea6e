package attributes

import (
	"strings"

	"github.com/srg/blehub/internal/device"
)

// knownName pairs an attribute id with its readable alias.
type knownName struct {
	id   string
	name string
}

// names is ordered so reverse lookup is deterministic when aliases collide.
var names = []knownName{
	{"1809", "Temperature"},
	{"180a", "Device Information"},
	{"180f", "Battery Percentage"},
	{"181a", "Environmental Sensing"},
	{"181c", "User Data"},
	{"2a06", "Alert Level"},
	{"2a19", "Battery Level"},
	{"2a56", "Digital"},
	{"2a58", "Analog"},
	{"2a6d", "Pressure"},
	{"2a6e", "Temperature Measurement"},
	{"2a6f", "Humidity"},
	{"fdcd", "Qingping"},
	{"fe95", "Xiaomi"},
	{"fe9f", "Eddystone"},
	{"feaa", "Eddystone Beacon"},
	{"6e400001b5a3f393e0a9e50e24dcca9e", "nus"},
	{"6e400002b5a3f393e0a9e50e24dcca9e", "nus_tx"},
	{"6e400003b5a3f393e0a9e50e24dcca9e", "nus_rx"},
}

var nameByID = func() map[string]string {
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[n.id] = n.name
	}
	return m
}()

// Name returns the readable alias for id, if one is known.
func Name(id string) (string, bool) {
	n, ok := nameByID[device.NormalizeUUID(id)]
	return n, ok
}

// Names returns a copy of the id to alias table.
func Names() map[string]string {
	out := make(map[string]string, len(nameByID))
	for k, v := range nameByID {
		out[k] = v
	}
	return out
}

// Lookup resolves a readable alias back to its canonical id.
// Anything that is not an alias is treated as an id and normalized.
func Lookup(aliasOrID string) string {
	for _, n := range names {
		if n.name == aliasOrID {
			return n.id
		}
	}
	for _, n := range names {
		if strings.EqualFold(n.name, aliasOrID) {
			return n.id
		}
	}
	return device.NormalizeUUID(aliasOrID)
}
