package attributes

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
)

const (
	ccmTagSize = 4
	// beaconAAD is the single associated-data byte both vendor formats authenticate.
	beaconAAD = 0x11
)

// legacyKeyInsert is spliced into a 12-byte bind key to form the 16-byte CTR key.
var legacyKeyInsert = []byte{0x8d, 0x3d, 0x3c, 0x97}

func parseBindKey(dev DeviceContext) ([]byte, error) {
	if dev == nil || dev.BindKey() == "" {
		return nil, ErrMissingKey
	}
	key, err := hex.DecodeString(strings.TrimSpace(dev.BindKey()))
	if err != nil {
		return nil, fmt.Errorf("bind_key is not hex: %w", err)
	}
	return key, nil
}

// openCCM authenticates and decrypts ciphertext with a 4-byte trailing tag.
func openCCM(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := ccm.NewCCM(block, ccmTagSize, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, []byte{beaconAAD})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// legacyKey derives the CTR key: bind[0:6] + 8d3d3c97 + bind[6:].
func legacyKey(bind []byte) ([]byte, error) {
	if len(bind) != 12 {
		return nil, fmt.Errorf("%w: legacy bind_key must be 12 bytes, got %d", ErrDecrypt, len(bind))
	}
	key := make([]byte, 0, 16)
	key = append(key, bind[:6]...)
	key = append(key, legacyKeyInsert...)
	key = append(key, bind[6:]...)
	return key, nil
}

// xorCTR encrypts or decrypts with AES-CTR; the operation is symmetric.
func xorCTR(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

// reversedMAC returns the address bytes in over-the-air order.
func reversedMAC(addr string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(addr, ":", ""))
	if err != nil || len(b) != 6 {
		return nil, fmt.Errorf("invalid device address %q", addr)
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b, nil
}
