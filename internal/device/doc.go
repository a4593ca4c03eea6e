// Package device defines the radio-facing abstractions blehub works against:
// advertisements, GATT links and the typed errors they surface.
//
// Concrete implementations live in the go-ble subpackage; tests use the fakes
// from internal/testutils.
package device
