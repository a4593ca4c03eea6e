package mqtt

import "strings"

// Topics builds bridge topics under a prefix such as "/ble".
//
//	t := mqtt.Topics{Prefix: "/ble"}
//	t.Result("written", "kitchen", "nus", "nus_tx")
//	// Returns: "/ble/written/kitchen/nus/nus_tx"
type Topics struct {
	Prefix string
}

// State is the retained online/offline topic and the last will.
func (t Topics) State() string {
	return t.Prefix + "/state"
}

// Command is the wildcard filter for one inbound verb, e.g. /ble/write/#.
func (t Topics) Command(verb string) string {
	return t.Prefix + "/" + verb + "/#"
}

// Result joins a result verb with the caller's original path segments.
func (t Topics) Result(verb string, segments ...string) string {
	return Join(append([]string{t.Prefix, verb}, segments...)...)
}

// Legacy is the per-field topic <prefix>/<key>/<id>.
func (t Topics) Legacy(key, id string) string {
	return t.Prefix + "/" + key + "/" + id
}

// All matches every topic under the prefix.
func (t Topics) All() string {
	return t.Prefix + "/#"
}

// Relative strips the prefix and splits the rest into levels.
// ok is false if topic is not under the prefix.
func (t Topics) Relative(topic string) (levels []string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/")
	if !found {
		return nil, false
	}
	return strings.Split(rest, "/"), true
}

// Join concatenates topic levels with "/".
func Join(levels ...string) string {
	return strings.Join(levels, "/")
}

// Match reports whether topic matches the subscription filter, honouring + and #.
func Match(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
