package attributes

import (
	"errors"
	"fmt"

	"github.com/srg/blehub/internal/device"
)

// Decode errors
var (
	ErrMissingKey   = errors.New("sensor data is encrypted, configure a bind_key")
	ErrDecrypt      = errors.New("decryption failed")
	ErrShortPayload = errors.New("payload too short")
)

// DeviceContext is what codecs may know about the sender.
type DeviceContext interface {
	Address() string
	BindKey() string
}

// Kind tags each codec variant.
type Kind int

const (
	KindPassthrough Kind = iota
	KindTemperature
	KindScale
	KindEddystone
	KindXiaomi
	KindATC
	KindQingping
	KindSingleByte
)

func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindScale:
		return "scale"
	case KindEddystone:
		return "eddystone"
	case KindXiaomi:
		return "xiaomi"
	case KindATC:
		return "atc"
	case KindQingping:
		return "qingping"
	case KindSingleByte:
		return "single-byte"
	default:
		return "passthrough"
	}
}

// Codec turns raw attribute bytes into a reading.
// A nil reading with a nil error means "nothing to decode, keep the raw bytes".
type Codec interface {
	Kind() Kind
	Decode(raw []byte, dev DeviceContext) (*Reading, error)
}

// Options configures a Decoder.
type Options struct {
	// Exclude lists ids that are never decoded.
	Exclude []string
	// SingleByte maps an id to the key its first byte is published under.
	SingleByte map[string]string
}

// Result is either a structured reading or the raw bytes.
type Result struct {
	Reading *Reading
	Raw     []byte
}

// Decoded reports whether a structured reading was produced.
func (r Result) Decoded() bool { return r.Reading != nil }

// Decoder dispatches attribute payloads to codecs resolved at construction.
type Decoder struct {
	exclude    map[string]struct{}
	codecs     map[string]Codec
	singleByte map[string]Codec
}

// NewDecoder builds the codec registry.
func NewDecoder(opts Options) *Decoder {
	d := &Decoder{
		exclude:    make(map[string]struct{}, len(opts.Exclude)),
		codecs:     builtinCodecs(),
		singleByte: make(map[string]Codec, len(opts.SingleByte)),
	}
	for _, id := range opts.Exclude {
		d.exclude[device.NormalizeUUID(id)] = struct{}{}
	}
	for id, key := range opts.SingleByte {
		d.singleByte[device.NormalizeUUID(id)] = singleByteCodec{key: key}
	}
	return d
}

// Codec returns the registered binary codec for id, if any.
func (d *Decoder) Codec(id string) (Codec, bool) {
	c, ok := d.codecs[device.NormalizeUUID(id)]
	return c, ok
}

// Decode maps an attribute payload to a reading. It never panics on malformed input:
// codec failures come back as an error reading carrying the raw hex.
func (d *Decoder) Decode(id string, raw []byte, dev DeviceContext) (res Result) {
	id = device.NormalizeUUID(id)

	if _, skip := d.exclude[id]; skip {
		return Result{Raw: raw}
	}

	if codec, ok := d.codecs[id]; ok {
		defer func() {
			if r := recover(); r != nil {
				res = Result{Reading: ErrorReading(fmt.Errorf("%s codec: %v", codec.Kind(), r), raw)}
			}
		}()
		reading, err := codec.Decode(raw, dev)
		if err != nil {
			return Result{Reading: ErrorReading(err, raw)}
		}
		if reading == nil {
			return Result{Raw: raw}
		}
		return Result{Reading: reading}
	}

	if name, ok := nameByID[id]; ok {
		r := NewReading()
		r.Set(name, Bytes(raw))
		return Result{Reading: r}
	}

	if codec, ok := d.singleByte[id]; ok {
		if reading, err := codec.Decode(raw, dev); err == nil && reading != nil {
			return Result{Reading: reading}
		}
	}

	return Result{Raw: raw}
}
