package attributes

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Reading is a decoded attribute value with stable key order.
type Reading = orderedmap.OrderedMap[string, any]

// NewReading returns an empty reading.
func NewReading() *Reading {
	return orderedmap.New[string, any]()
}

// Bytes marshals as a JSON array of numbers rather than base64.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

// ErrorReading reports a decode failure without losing the payload.
func ErrorReading(err error, raw []byte) *Reading {
	r := NewReading()
	r.Set("error", err.Error())
	r.Set("raw", hex.EncodeToString(raw))
	return r
}

// IsErrorReading reports whether r came from ErrorReading.
func IsErrorReading(r *Reading) bool {
	if r == nil {
		return false
	}
	_, ok := r.Get("error")
	return ok
}

// Keys returns the reading keys in order.
func Keys(r *Reading) []string {
	keys := make([]string, 0, r.Len())
	for pair := r.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Merge copies src into dst, overwriting existing keys in place.
func Merge(dst, src *Reading) {
	for pair := src.Oldest(); pair != nil; pair = pair.Next() {
		dst.Set(pair.Key, pair.Value)
	}
}

// Clone returns a shallow copy of r.
func Clone(r *Reading) *Reading {
	out := NewReading()
	if r != nil {
		Merge(out, r)
	}
	return out
}

// ValueJSON marshals a single reading value.
func ValueJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
