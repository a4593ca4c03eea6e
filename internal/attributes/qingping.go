package attributes

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const qingpingMinLength = 11

var qingpingProductNames = map[byte]string{
	0x01: "CGG1 Goose",
	0x07: "CGG1",
	0x09: "CGP1W",
	0x0c: "CGD1",
	0x12: "CGPR1",
}

// qingpingField decodes one TLV entry whose id and size match.
type qingpingField struct {
	id    byte
	size  int
	parse func(r *Reading, b []byte)
}

var qingpingFields = []qingpingField{
	{0x01, 4, func(r *Reading, b []byte) {
		r.Set("temperature", float64(int16(binary.LittleEndian.Uint16(b)))/10)
		r.Set("humidity", float64(int16(binary.LittleEndian.Uint16(b[2:])))/10)
	}},
	{0x02, 1, func(r *Reading, b []byte) { r.Set("battery", int(b[0])) }},
	{0x07, 2, func(r *Reading, b []byte) {
		r.Set("pressure", float64(int16(binary.LittleEndian.Uint16(b)))/100)
	}},
	{0x08, 4, func(r *Reading, b []byte) {
		r.Set("motion", int(b[0]))
		r.Set("illuminance", uint24(b[1:]))
	}},
	{0x09, 4, func(r *Reading, b []byte) { r.Set("illuminance", int(binary.LittleEndian.Uint32(b))) }},
	{0x11, 1, func(r *Reading, b []byte) { r.Set("light", int(b[0])) }},
	{0x0f, 1, func(r *Reading, b []byte) { r.Set("count", int(b[0])) }},
}

// qingpingCodec decodes Qingping (fdcd) TLV frames.
type qingpingCodec struct{}

func (qingpingCodec) Kind() Kind { return KindQingping }

func (qingpingCodec) Decode(raw []byte, _ DeviceContext) (*Reading, error) {
	if len(raw) < qingpingMinLength {
		return nil, fmt.Errorf("qingping: service data must be >= %d bytes: %w", qingpingMinLength, ErrShortPayload)
	}
	r := NewReading()
	if name, ok := qingpingProductNames[raw[1]]; ok {
		r.Set("productName", name)
	}

	if raw[0]&0x3f != 0x08 {
		r.Set("raw", hex.EncodeToString(raw))
		return r, nil
	}

	for p := 10; p < len(raw); {
		id := raw[p-2]
		size := int(int8(raw[p-1]))
		if size <= 0 {
			break
		}
		if p+size <= len(raw) {
			parsed := false
			for _, f := range qingpingFields {
				if f.id == id && f.size == size {
					f.parse(r, raw[p:p+size])
					parsed = true
					break
				}
			}
			if !parsed {
				r.Set(fmt.Sprintf("raw_%02x", id), hex.EncodeToString(raw[p:p+size]))
			}
		}
		p += size + 2
	}
	return r, nil
}
