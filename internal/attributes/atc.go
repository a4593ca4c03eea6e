package attributes

import (
	"encoding/binary"
	"fmt"
)

// atcCodec decodes the custom-firmware 181a formats, selected by payload length.
type atcCodec struct{}

func (atcCodec) Kind() Kind { return KindATC }

func (atcCodec) Decode(raw []byte, dev DeviceContext) (*Reading, error) {
	r := NewReading()

	switch len(raw) {
	case 15: // pvvx custom format
		voltage := int(int16(binary.LittleEndian.Uint16(raw[10:])))
		r.Set("temp", float64(int16(binary.LittleEndian.Uint16(raw[6:])))/100)
		r.Set("humidity", float64(binary.LittleEndian.Uint16(raw[8:]))/100)
		if voltage > 1000 {
			r.Set("battery_voltage", float64(voltage)/1000)
		} else {
			r.Set("battery_voltage", voltage)
		}
		r.Set("battery", int(raw[12]))
		r.Set("counter", int(raw[13]))
		r.Set("switch", int(raw[14]>>1)&1)
		r.Set("opening", int(raw[14]^1)&1)
		r.Set("type", "PVVX (No encryption)")

	case 13: // atc1441 format, big-endian
		r.Set("temp", float64(int16(binary.BigEndian.Uint16(raw[6:])))/10)
		r.Set("humidity", int(raw[8]))
		r.Set("battery", int(raw[9]))
		r.Set("battery_voltage", float64(int16(binary.BigEndian.Uint16(raw[10:])))/1000)
		r.Set("type", "ATC (ATC1441)")

	case 11: // pvvx encrypted
		plain, err := decryptATC(raw, dev)
		if err != nil {
			return nil, err
		}
		r.Set("temp", float64(int16(binary.LittleEndian.Uint16(plain[0:])))/100)
		r.Set("humidity", float64(binary.LittleEndian.Uint16(plain[2:]))/100)
		r.Set("battery_voltage", batteryVoltage(float64(plain[4])))
		r.Set("battery", int(plain[4]))
		r.Set("switch", int(plain[5]>>1)&1)
		r.Set("opening", int(plain[5]^1)&1)
		r.Set("type", "PVVX (encryption)")

	case 8: // atc1441 encrypted
		plain, err := decryptATC(raw, dev)
		if err != nil {
			return nil, err
		}
		battery := int(plain[2] & 0x7f)
		r.Set("temp", float64(plain[0])/2-40)
		r.Set("humidity", float64(plain[1])/2)
		r.Set("battery", battery)
		r.Set("battery_voltage", batteryVoltage(float64(battery)))
		r.Set("switch", int(plain[2]>>7))
		r.Set("type", "ATC (Atc1441 encryption)")

	default:
		return nil, nil
	}
	return r, nil
}

// batteryVoltage maps a 0..100 level onto the 2.2V..3.1V coin cell range.
func batteryVoltage(level float64) float64 {
	return 2.2 + (3.1-2.2)*(level/100)
}

// atcNonce is reversed MAC, the AD header (length, type 0x16, uuid 181a) and the counter byte.
func atcNonce(raw []byte, mac []byte) []byte {
	nonce := make([]byte, 0, 11)
	nonce = append(nonce, mac...)
	nonce = append(nonce, byte(len(raw)+3), 0x16, 0x1a, 0x18)
	return append(nonce, raw[0])
}

func decryptATC(raw []byte, dev DeviceContext) ([]byte, error) {
	key, err := parseBindKey(dev)
	if err != nil {
		return nil, err
	}
	mac, err := reversedMAC(dev.Address())
	if err != nil {
		return nil, fmt.Errorf("atc: %w", err)
	}
	plain, err := openCCM(key, atcNonce(raw, mac), raw[1:len(raw)-4], raw[len(raw)-4:])
	if err != nil {
		return nil, fmt.Errorf("atc: %w", err)
	}
	return plain, nil
}
