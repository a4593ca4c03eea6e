package attributes

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// MiBeacon frame control bits
const (
	miEncrypted       = 1 << 3
	miHasMacAddress   = 1 << 4
	miHasCapabilities = 1 << 5
	miHasEvent        = 1 << 6
)

const miBaseLength = 5

// MiBeacon event types
const (
	miEventEasyPairing     = 0x0002
	miEventMovingWithLight = 0x000f
	miEventButton          = 0x1001
	miEventTemperature     = 0x1004
	miEventHumidity        = 0x1006
	miEventIlluminance     = 0x1007
	miEventMoisture        = 0x1008
	miEventFertility       = 0x1009
	miEventBattery         = 0x100a
	miEventTempHumidity    = 0x100d
)

var xiaomiProductNames = map[uint16]string{
	0x005d: "HHCCPOT002",
	0x0098: "HHCCJCY01",
	0x01d8: "Stratos",
	0x0153: "YEE-RC",
	0x02df: "JQJCY01YM",
	0x03b6: "YLKG08YL",
	0x03bc: "GCLS002",
	0x040a: "WX08ZM",
	0x045b: "LYWSD02",
	0x055b: "LYWSD03MMC",
	0x0576: "CGD1",
	0x0347: "CGG1",
	0x01aa: "LYWSDCGQ",
	0x03dd: "MUE4094RT",
	0x07f6: "MJYD02YLA",
	0x0387: "MHOC401",
}

var xiaomiButtonActions = map[int8]string{
	0x00: "single",
	0x01: "double",
	0x02: "long_press",
	0x03: "triple",
}

// xiaomiCodec decodes MiBeacon service data (fe95), including both encryption generations.
type xiaomiCodec struct{}

func (xiaomiCodec) Kind() Kind { return KindXiaomi }

func (xiaomiCodec) Decode(raw []byte, dev DeviceContext) (*Reading, error) {
	if len(raw) < miBaseLength {
		return nil, fmt.Errorf("xiaomi: service data must be >= %d bytes: %w", miBaseLength, ErrShortPayload)
	}
	buf := append([]byte(nil), raw...)

	frameControl := binary.LittleEndian.Uint16(buf[0:2])
	version := buf[1] >> 4
	productID := binary.LittleEndian.Uint16(buf[2:4])

	eventOffset := miBaseLength
	if frameControl&miHasMacAddress != 0 {
		if len(buf) < 11 {
			return nil, fmt.Errorf("xiaomi: frame claims a MAC address: %w", ErrShortPayload)
		}
		eventOffset = 11
	}
	if frameControl&miHasCapabilities != 0 {
		eventOffset++
	}

	if frameControl&miEncrypted != 0 && len(buf)-eventOffset >= 3 {
		var err error
		if version <= 3 {
			buf, err = decryptMiLegacy(buf, eventOffset, dev)
		} else {
			buf, err = decryptMiCCM(buf, eventOffset, frameControl, dev)
		}
		if err != nil {
			return nil, err
		}
	}

	if frameControl&miHasEvent == 0 {
		return nil, nil
	}
	if len(buf) < eventOffset+3 {
		return nil, fmt.Errorf("xiaomi: event header: %w", ErrShortPayload)
	}

	eventType := binary.LittleEndian.Uint16(buf[eventOffset:])
	r, err := parseMiEvent(eventType, buf, eventOffset+3)
	if err != nil {
		return nil, err
	}
	if name, ok := xiaomiProductNames[productID]; ok {
		r.Set("productName", name)
	}
	return r, nil
}

// decryptMiCCM handles version 4+ frames. The MAC comes from the frame when present,
// otherwise from the sender's address.
func decryptMiCCM(buf []byte, eventOffset int, frameControl uint16, dev DeviceContext) ([]byte, error) {
	key, err := parseBindKey(dev)
	if err != nil {
		return nil, err
	}
	payload := buf[eventOffset:]
	if len(payload) < 7 {
		return nil, fmt.Errorf("xiaomi: encrypted payload: %w", ErrShortPayload)
	}

	var mac []byte
	if frameControl&miHasMacAddress != 0 {
		mac = buf[5:11]
	} else {
		if dev == nil {
			return nil, ErrMissingKey
		}
		if mac, err = reversedMAC(dev.Address()); err != nil {
			return nil, fmt.Errorf("xiaomi: %w", err)
		}
	}

	nonce := make([]byte, 0, 12)
	nonce = append(nonce, mac...)
	nonce = append(nonce, buf[2:4]...)
	nonce = append(nonce, buf[4])
	nonce = append(nonce, payload[len(payload)-7:len(payload)-4]...)

	plain, err := openCCM(key, nonce, payload[:len(payload)-7], payload[len(payload)-4:])
	if err != nil {
		return nil, fmt.Errorf("xiaomi: %w", err)
	}
	out := make([]byte, 0, eventOffset+len(plain))
	out = append(out, buf[:eventOffset]...)
	return append(out, plain...), nil
}

// decryptMiLegacy handles version <= 3 frames: AES-CTR over six bytes with a spliced key.
func decryptMiLegacy(buf []byte, eventOffset int, dev DeviceContext) ([]byte, error) {
	bind, err := parseBindKey(dev)
	if err != nil {
		return nil, err
	}
	if len(buf) < eventOffset+6 || len(buf) < 10 {
		return nil, fmt.Errorf("xiaomi: legacy encrypted payload: %w", ErrShortPayload)
	}
	key, err := legacyKey(bind)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, 0, 16)
	iv = append(iv, 0x01)
	iv = append(iv, buf[0:5]...)
	iv = append(iv, buf[len(buf)-4:len(buf)-1]...)
	iv = append(iv, buf[5:10]...)
	iv = append(iv, 0x00, 0x01)

	plain, err := xorCTR(key, iv, buf[eventOffset:eventOffset+6])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, eventOffset+len(plain))
	out = append(out, buf[:eventOffset]...)
	return append(out, plain...), nil
}

func parseMiEvent(eventType uint16, b []byte, p int) (*Reading, error) {
	need := func(n int) error {
		if len(b) < p+n {
			return fmt.Errorf("xiaomi: event 0x%04x: %w", eventType, ErrShortPayload)
		}
		return nil
	}
	r := NewReading()

	switch eventType {
	case miEventTemperature:
		if err := need(2); err != nil {
			return nil, err
		}
		r.Set("temperature", float64(int16(binary.LittleEndian.Uint16(b[p:])))/10)
	case miEventHumidity:
		if err := need(2); err != nil {
			return nil, err
		}
		r.Set("humidity", float64(binary.LittleEndian.Uint16(b[p:]))/10)
	case miEventBattery:
		if err := need(1); err != nil {
			return nil, err
		}
		r.Set("battery", int(b[p]))
	case miEventTempHumidity:
		if err := need(4); err != nil {
			return nil, err
		}
		r.Set("temperature", float64(int16(binary.LittleEndian.Uint16(b[p:])))/10)
		r.Set("humidity", float64(binary.LittleEndian.Uint16(b[p+2:]))/10)
	case miEventIlluminance:
		if err := need(3); err != nil {
			return nil, err
		}
		r.Set("illuminance", uint24(b[p:]))
	case miEventFertility:
		if err := need(2); err != nil {
			return nil, err
		}
		r.Set("fertility", int(int16(binary.LittleEndian.Uint16(b[p:]))))
	case miEventMoisture:
		if err := need(1); err != nil {
			return nil, err
		}
		r.Set("moisture", int(int8(b[p])))
	case miEventMovingWithLight:
		if err := need(3); err != nil {
			return nil, err
		}
		r.Set("motion", 1)
		r.Set("illuminance", uint24(b[p:]))
	case miEventButton:
		if err := need(3); err != nil {
			return nil, err
		}
		r.Set("button", int(int16(binary.LittleEndian.Uint16(b[p:]))))
		if action, ok := xiaomiButtonActions[int8(b[p+2])]; ok {
			r.Set("action", action)
		} else {
			r.Set("action", nil)
		}
	case miEventEasyPairing:
		if err := need(2); err != nil {
			return nil, err
		}
		r.Set("objectID", int(int16(binary.LittleEndian.Uint16(b[p:]))))
	default:
		return nil, fmt.Errorf("xiaomi: unknown event type 0x%04x (%s)", eventType, hex.EncodeToString(b[p-3:]))
	}
	return r, nil
}

func uint24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}
