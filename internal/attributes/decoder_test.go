package attributes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDispatch(t *testing.T) {
	d := NewDecoder(Options{
		Exclude:    []string{"2A6F"},
		SingleByte: map[string]string{"2aff": "level"},
	})

	t.Run("excluded id returns raw bytes", func(t *testing.T) {
		res := d.Decode("2a6f", []byte{0x10, 0x27}, nil)
		assert.False(t, res.Decoded())
		assert.Equal(t, []byte{0x10, 0x27}, res.Raw)
	})

	t.Run("registered codec wins", func(t *testing.T) {
		res := d.Decode("180F", []byte{87}, nil)
		require.True(t, res.Decoded())
		assert.JSONEq(t, `{"battery":87}`, readingJSON(t, res.Reading))
	})

	t.Run("known name wraps raw bytes", func(t *testing.T) {
		res := d.Decode("180a", []byte{1, 2}, nil)
		require.True(t, res.Decoded())
		assert.JSONEq(t, `{"Device Information":[1,2]}`, readingJSON(t, res.Reading))
	})

	t.Run("configured single byte", func(t *testing.T) {
		res := d.Decode("2aff", []byte{42, 1}, nil)
		require.True(t, res.Decoded())
		assert.JSONEq(t, `{"level":42}`, readingJSON(t, res.Reading))
	})

	t.Run("unknown id is passed through verbatim", func(t *testing.T) {
		res := d.Decode("abcd", []byte{9}, nil)
		assert.False(t, res.Decoded())
		assert.Equal(t, []byte{9}, res.Raw)
	})

	t.Run("codec with nothing to say returns raw", func(t *testing.T) {
		res := d.Decode("feaa", []byte{0x40, 0x00}, nil)
		assert.False(t, res.Decoded())
	})

	t.Run("malformed vendor payload becomes an error reading", func(t *testing.T) {
		res := d.Decode("fe95", []byte{0x50, 0x20, 0xaa}, nil)
		require.True(t, res.Decoded())
		assert.True(t, IsErrorReading(res.Reading))
		assert.Equal(t, "5020aa", value(t, res.Reading, "raw"))
	})
}

func TestTemperatureCodec(t *testing.T) {
	d := NewDecoder(Options{})
	tests := []struct {
		name     string
		raw      []byte
		expected any
	}{
		{"one hundredth", []byte{0x01, 0x00}, 0.01},
		{"0x0100 little-endian", []byte{0x00, 0x01}, 2.56},
		{"0x7fff stays positive", []byte{0xff, 0x7f}, 327.67},
		{"0x8000 sign-extends", []byte{0x00, 0x80}, -327.68},
		{"negative hundredths", []byte{0x9c, 0xff}, -1.0},
		{"single byte", []byte{21}, 21},
		{"single byte negative", []byte{0xfb}, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Decode("1809", tt.raw, nil)
			require.True(t, res.Decoded())
			assert.Equal(t, tt.expected, value(t, res.Reading, "temp"))
		})
	}
}

func TestScaleCodecs(t *testing.T) {
	d := NewDecoder(Options{})
	tests := []struct {
		id       string
		raw      []byte
		expected string
	}{
		{"2a6e", []byte{0x66, 0x08}, `{"temp":21.5}`},
		{"2a6e", []byte{0x00, 0x80}, `{"temp":-327.68}`},
		{"2a6f", []byte{0xa1, 0x13}, `{"humidity":50.25}`},
		{"2a6d", []byte{0xa0, 0x86, 0x01, 0x00}, `{"pressure":10000}`},
		{"2a19", []byte{100}, `{"battery":100}`},
		{"2a06", []byte{2}, `{"alert":2}`},
		{"2a56", []byte{1}, `{"digital":true}`},
		{"2a58", []byte{0x34, 0x12}, `{"analog":4660}`},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			res := d.Decode(tt.id, tt.raw, nil)
			require.True(t, res.Decoded())
			assert.JSONEq(t, tt.expected, readingJSON(t, res.Reading))
		})
	}

	res := d.Decode("2a6e", []byte{0x01}, nil)
	assert.True(t, IsErrorReading(res.Reading))
}

func TestLookup(t *testing.T) {
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", Lookup("nus"))
	assert.Equal(t, "6e400002b5a3f393e0a9e50e24dcca9e", Lookup("nus_tx"))
	assert.Equal(t, "180f", Lookup("Battery Percentage"))
	assert.Equal(t, "180f", Lookup("180F"))
	assert.Equal(t, "2a19", Lookup("0x2A19"))

	name, ok := Name("1809")
	assert.True(t, ok)
	assert.Equal(t, "Temperature", name)
}

func TestBytesMarshal(t *testing.T) {
	data, err := Bytes{87, 0, 255}.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "[87,0,255]", string(data))

	data, err = Bytes(nil).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestKindString(t *testing.T) {
	d := NewDecoder(Options{})
	for id, kind := range map[string]Kind{
		"1809": KindTemperature,
		"2a6e": KindScale,
		"feaa": KindEddystone,
		"fe95": KindXiaomi,
		"181a": KindATC,
		"fdcd": KindQingping,
	} {
		c, ok := d.Codec(id)
		require.True(t, ok, id)
		assert.Equal(t, kind, c.Kind(), id)
	}
	assert.Equal(t, "single-byte", KindSingleByte.String())
}
