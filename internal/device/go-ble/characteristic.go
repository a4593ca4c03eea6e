package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blehub/internal/device"
)

// BLECharacteristic is a resolved characteristic handle backed by go-ble.
type BLECharacteristic struct {
	uuid    string
	BLEChar *ble.Characteristic
}

func newBLECharacteristic(c *ble.Characteristic) *BLECharacteristic {
	return &BLECharacteristic{
		uuid:    device.NormalizeUUID(c.UUID.String()),
		BLEChar: c,
	}
}

func (c *BLECharacteristic) UUID() string { return c.uuid }

func (c *BLECharacteristic) Properties() device.Properties {
	return NewProperties(c.BLEChar.Property)
}

// canNotify reports whether a CCCD must be discovered before subscribing.
func (c *BLECharacteristic) canNotify() bool {
	return c.BLEChar.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

// useIndication picks indications only when plain notifications are unavailable.
func (c *BLECharacteristic) useIndication() bool {
	return c.BLEChar.Property&ble.CharNotify == 0 && c.BLEChar.Property&ble.CharIndicate != 0
}

// writeWithoutResponse picks write-command when write-request is unavailable.
func (c *BLECharacteristic) writeWithoutResponse() bool {
	return c.BLEChar.Property&ble.CharWrite == 0 && c.BLEChar.Property&ble.CharWriteNR != 0
}
