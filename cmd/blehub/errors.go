package main

import (
	"errors"
	"strings"

	"github.com/srg/blehub/internal/connect"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/internal/mqtt"
	"github.com/srg/blehub/scanner"
)

// FormatUserError turns known failures into a one-line hint for the terminal.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, scanner.ErrPowerOnTimeout):
		return "Bluetooth adapter did not power on; check that it is present and not blocked (rfkill)"
	case errors.Is(err, scanner.ErrRadioWedged):
		return "no advertisements received while scanning; the Bluetooth adapter looks stuck, restart required"
	case errors.Is(err, mqtt.ErrConnectionFailed):
		return "cannot connect to the MQTT broker: " + strings.TrimPrefix(err.Error(), mqtt.ErrConnectionFailed.Error()+": ")
	case errors.Is(err, connect.ErrBusyTimeout):
		return "device operation timed out"
	case errors.Is(err, device.ErrTimeout):
		return "operation timed out: " + err.Error()
	default:
		return err.Error()
	}
}
