package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blehub/internal/device"
)

// NewProperties converts ble.Property bit flags to device.Properties.
func NewProperties(p ble.Property) device.Properties {
	var props device.Properties
	if p&ble.CharRead != 0 {
		props |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		props |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropWriteNoResponse
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropIndicate
	}
	return props
}
