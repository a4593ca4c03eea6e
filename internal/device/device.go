package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	Disconnected     ConnectionState = "disconnected"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrDisconnected     = &ConnectionError{State: Disconnected}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ServiceData is a single service-data segment carried by an advertisement.
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement is a received broadcast packet.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ServiceData
	Services() []string
	RSSI() int
	Addr() string
}

// ScanningDevice represents a radio capable of scanning for advertisements.
// Scan blocks until ctx is done.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Dialer opens GATT links.
type Dialer interface {
	Dial(ctx context.Context, address string) (Link, error)
}

// Radio is the local adapter: it scans and it dials, but not at the same time on most hardware.
type Radio interface {
	ScanningDevice
	Dialer
	Close() error
}

// Properties is a bitmask of GATT characteristic properties.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
)

// Names returns the set property names in a fixed order.
func (p Properties) Names() []string {
	names := make([]string, 0, 5)
	for _, f := range []struct {
		flag Properties
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteNoResponse, "writeWithoutResponse"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	} {
		if p&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// Characteristic is a resolved characteristic handle on an open link.
type Characteristic interface {
	UUID() string
	Properties() Properties
}

// CharacteristicInfo describes a characteristic found during full enumeration.
type CharacteristicInfo struct {
	UUID       string
	Properties Properties
}

// ServiceInfo describes a service and its characteristics.
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// Link is one open GATT connection to a peripheral.
//
// Calls block; callers bound them with their own timeouts.
type Link interface {
	Address() string
	// Characteristic discovers a single characteristic within a service.
	Characteristic(service, characteristic string) (Characteristic, error)
	// Services enumerates every service and characteristic.
	Services() ([]ServiceInfo, error)
	Read(c Characteristic) ([]byte, error)
	// Write issues one write; fragmentation is the caller's job.
	Write(c Characteristic, data []byte) error
	Subscribe(c Characteristic, handler func([]byte)) error
	Disconnected() <-chan struct{}
	Close() error
}
