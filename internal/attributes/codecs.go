package attributes

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

func builtinCodecs() map[string]Codec {
	return map[string]Codec{
		"1809": temperatureCodec{},
		"180f": scaleCodec{fields: []field{{key: "battery", width: 1}}},
		"2a19": scaleCodec{fields: []field{{key: "battery", width: 1}}},
		"2a06": scaleCodec{fields: []field{{key: "alert", width: 1}}},
		"2a56": scaleCodec{fields: []field{{key: "digital", width: 1, boolean: true}}},
		"2a58": scaleCodec{fields: []field{{key: "analog", width: 2}}},
		"2a6d": scaleCodec{fields: []field{{key: "pressure", width: 4, scale: 10}}},
		"2a6e": scaleCodec{fields: []field{{key: "temp", width: 2, signed: true, scale: 100}}},
		"2a6f": scaleCodec{fields: []field{{key: "humidity", width: 2, scale: 100}}},
		"feaa": eddystoneCodec{},
		"fe95": xiaomiCodec{},
		"181a": atcCodec{},
		"fdcd": qingpingCodec{},
		"1801": passthroughCodec{},
		"1800": passthroughCodec{},
	}
}

type passthroughCodec struct{}

func (passthroughCodec) Kind() Kind { return KindPassthrough }

func (passthroughCodec) Decode([]byte, DeviceContext) (*Reading, error) { return nil, nil }

// temperatureCodec handles the 1809 service: two bytes are 0.01 degrees, one byte is whole degrees.
type temperatureCodec struct{}

func (temperatureCodec) Kind() Kind { return KindTemperature }

func (temperatureCodec) Decode(raw []byte, _ DeviceContext) (*Reading, error) {
	r := NewReading()
	switch {
	case len(raw) == 2:
		r.Set("temp", float64(int16(binary.LittleEndian.Uint16(raw)))/100)
	case len(raw) >= 1:
		r.Set("temp", int(int8(raw[0])))
	default:
		return nil, fmt.Errorf("temperature: %w", ErrShortPayload)
	}
	return r, nil
}

// field is one fixed-position integer inside a payload.
type field struct {
	key       string
	offset    int
	width     int // 1, 2, 3 or 4 bytes
	signed    bool
	bigEndian bool
	scale     float64 // divisor; zero means publish the integer as-is
	boolean   bool
}

func (f field) read(raw []byte) (any, error) {
	if len(raw) < f.offset+f.width {
		return nil, fmt.Errorf("%s needs %d bytes, got %d: %w", f.key, f.offset+f.width, len(raw), ErrShortPayload)
	}
	b := raw[f.offset : f.offset+f.width]

	var u uint32
	for i := 0; i < f.width; i++ {
		idx := i
		if !f.bigEndian {
			idx = f.width - 1 - i
		}
		u = u<<8 | uint32(b[idx])
	}

	var v int64
	if f.signed {
		shift := 64 - 8*f.width
		v = int64(u) << shift >> shift
	} else {
		v = int64(u)
	}

	switch {
	case f.boolean:
		return v != 0, nil
	case f.scale != 0:
		return float64(v) / f.scale, nil
	default:
		return int(v), nil
	}
}

// scaleCodec decodes a list of fixed-point fields.
type scaleCodec struct {
	fields []field
}

func (scaleCodec) Kind() Kind { return KindScale }

func (c scaleCodec) Decode(raw []byte, _ DeviceContext) (*Reading, error) {
	r := NewReading()
	for _, f := range c.fields {
		v, err := f.read(raw)
		if err != nil {
			return nil, err
		}
		r.Set(f.key, v)
	}
	return r, nil
}

// singleByteCodec publishes the first byte under a configured key.
type singleByteCodec struct {
	key string
}

func (singleByteCodec) Kind() Kind { return KindSingleByte }

func (c singleByteCodec) Decode(raw []byte, _ DeviceContext) (*Reading, error) {
	if len(raw) == 0 {
		return nil, ErrShortPayload
	}
	r := NewReading()
	r.Set(c.key, int(raw[0]))
	return r, nil
}

var eddystoneSchemes = []string{"http://www.", "https://www.", "http://", "https://"}

var eddystoneExpansions = []string{
	".com/", ".org/", ".edu/", ".net/", ".info/", ".biz/", ".gov/",
	".com", ".org", ".edu", ".net", ".info", ".biz", ".gov",
}

// eddystoneCodec decodes UID, URL and unencrypted TLM frames.
type eddystoneCodec struct{}

func (eddystoneCodec) Kind() Kind { return KindEddystone }

func (eddystoneCodec) Decode(raw []byte, _ DeviceContext) (*Reading, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("eddystone: %w", ErrShortPayload)
	}
	r := NewReading()
	switch raw[0] {
	case 0x00: // UID
		if len(raw) < 18 {
			return nil, fmt.Errorf("eddystone uid: %w", ErrShortPayload)
		}
		r.Set("rssi@0m", int(int8(raw[1])))
		r.Set("namespace", hex.EncodeToString(raw[2:12]))
		r.Set("instance", hex.EncodeToString(raw[12:18]))
	case 0x10: // URL
		if len(raw) < 3 {
			return nil, fmt.Errorf("eddystone url: %w", ErrShortPayload)
		}
		var sb strings.Builder
		if int(raw[2]) < len(eddystoneSchemes) {
			sb.WriteString(eddystoneSchemes[raw[2]])
		}
		for _, c := range raw[3:] {
			if int(c) < len(eddystoneExpansions) {
				sb.WriteString(eddystoneExpansions[c])
			} else {
				sb.WriteByte(c)
			}
		}
		r.Set("url", sb.String())
		r.Set("rssi@1m", int(int8(raw[1])))
	case 0x20: // TLM
		if len(raw) < 14 || raw[1] != 0x00 {
			return nil, nil
		}
		r.Set("battery_voltage", float64(binary.BigEndian.Uint16(raw[2:4]))/1000)
		r.Set("temp", float64(int16(binary.BigEndian.Uint16(raw[4:6])))/256)
		r.Set("advertisements", int(binary.BigEndian.Uint32(raw[6:10])))
		r.Set("uptime", float64(binary.BigEndian.Uint32(raw[10:14]))/10)
	default:
		return nil, nil
	}
	return r, nil
}
