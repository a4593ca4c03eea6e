package attributes

import (
	"crypto/aes"
	"encoding/json"
	"testing"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"github.com/stretchr/testify/require"
)

type testDevice struct {
	addr string
	key  string
}

func (d testDevice) Address() string { return d.addr }
func (d testDevice) BindKey() string { return d.key }

// sealCCM builds an encrypted test vector; ciphertext and tag are returned separately.
func sealCCM(t *testing.T, key, nonce, plaintext []byte) ([]byte, []byte) {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := ccm.NewCCM(block, ccmTagSize, len(nonce))
	require.NoError(t, err)
	out := aead.Seal(nil, nonce, plaintext, []byte{beaconAAD})
	return out[:len(out)-ccmTagSize], out[len(out)-ccmTagSize:]
}

func readingJSON(t *testing.T, r *Reading) string {
	t.Helper()
	require.NotNil(t, r)
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return string(data)
}

func value(t *testing.T, r *Reading, key string) any {
	t.Helper()
	require.NotNil(t, r)
	v, ok := r.Get(key)
	require.True(t, ok, "reading has no %q: %s", key, readingJSON(t, r))
	return v
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
