package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blehub/internal/device"
)

// ErrAdapterUnavailable means the local HCI adapter could not be opened or is powered off.
var ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")

// NormalizeError maps known go-ble error strings to structured device errors.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	default:
		return device.NormalizeError(err)
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
