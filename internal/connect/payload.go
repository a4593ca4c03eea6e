package connect

import (
	"encoding/hex"
	"errors"
	"encoding/json"
	"fmt"
	"math"
)

// EncodePayload converts a decoded JSON value into the bytes written to a characteristic.
//
//	{"type":"buffer","data":[1,2,3]} -> 01 02 03
//	{"type":"hex","data":"0a0b"}    -> 0a 0b
//	42, true                         -> a single byte
//	"hello"                          -> the UTF-8 text
//	[104, 105]                       -> 68 69
//	any other object                 -> its JSON text
func EncodePayload(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case bool:
		if t {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case float64:
		b, err := toByte(t)
		if err != nil {
			return nil, fmt.Errorf("payload number: %w", err)
		}
		return []byte{b}, nil
	case int:
		b, err := toByte(float64(t))
		if err != nil {
			return nil, fmt.Errorf("payload number: %w", err)
		}
		return []byte{b}, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("payload number %q: %w", t, err)
		}
		b, err := toByte(f)
		if err != nil {
			return nil, fmt.Errorf("payload number: %w", err)
		}
		return []byte{b}, nil
	case []any:
		return byteArray(t)
	case map[string]any:
		if kind, ok := t["type"].(string); ok {
			switch kind {
			case "buffer", "Buffer":
				arr, ok := t["data"].([]any)
				if !ok {
					return nil, fmt.Errorf("payload %s: data must be an array", kind)
				}
				return byteArray(arr)
			case "hex":
				s, ok := t["data"].(string)
				if !ok {
					return nil, fmt.Errorf("payload hex: data must be a string")
				}
				b, err := hex.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("payload hex: %w", err)
				}
				return b, nil
			}
		}
	}
	return json.Marshal(v)
}

func byteArray(items []any) ([]byte, error) {
	out := make([]byte, len(items))
	for i, item := range items {
		n, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("payload byte %d: %v is not a number", i, item)
		}
		b, err := toByte(n)
		if err != nil {
			return nil, fmt.Errorf("payload byte %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// ErrByteRange is returned for numbers that do not fit in one byte.
var ErrByteRange = errors.New("not an integer in 0..255")

func toByte(n float64) (byte, error) {
	if n != math.Trunc(n) || n < 0 || n > math.MaxUint8 {
		return 0, fmt.Errorf("%v: %w", n, ErrByteRange)
	}
	return byte(n), nil
}
