package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blehub/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *BLEAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *BLEAdvertisement) RSSI() int                { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string             { return device.NormalizeAddress(a.adv.Addr().String()) }

// ServiceData converts each segment UUID to the normalized short form.
func (a *BLEAdvertisement) ServiceData() []device.ServiceData {
	bleServiceData := a.adv.ServiceData()
	result := make([]device.ServiceData, len(bleServiceData))
	for i, sd := range bleServiceData {
		result[i] = device.ServiceData{
			UUID: device.NormalizeUUID(sd.UUID.String()),
			Data: sd.Data,
		}
	}
	return result
}

func (a *BLEAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = device.NormalizeUUID(svc.String())
	}
	return result
}
