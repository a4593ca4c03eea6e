package testutils

import (
	"github.com/srg/blehub/internal/device"
)

// Advertisement is a static device.Advertisement.
type Advertisement struct {
	name        string
	addr        string
	rssi        int
	services    []string
	manufData   []byte
	serviceData []device.ServiceData
}

func (a *Advertisement) LocalName() string                 { return a.name }
func (a *Advertisement) ManufacturerData() []byte          { return a.manufData }
func (a *Advertisement) ServiceData() []device.ServiceData { return a.serviceData }
func (a *Advertisement) Services() []string                { return a.services }
func (a *Advertisement) RSSI() int                         { return a.rssi }
func (a *Advertisement) Addr() string                      { return a.addr }

// AdvertisementBuilder builds advertisements for tests with a fluent API.
//
//	adv := testutils.NewAdvertisementBuilder().
//		WithAddress("AA:BB:CC:DD:EE:FF").
//		WithRSSI(-60).
//		WithServiceData("180f", []byte{87}).
//		Build()
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder starts with RSSI -50 and no payloads.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{rssi: -50}}
}

// WithAddress sets the sender address; it is normalized like a real radio does.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.addr = device.NormalizeAddress(addr)
	return b
}

// WithName sets the local name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.services = append(b.adv.services, device.NormalizeUUIDs(uuids)...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data, company id first.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufData = data
	return b
}

// WithServiceData appends a service-data segment.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.adv.serviceData = append(b.adv.serviceData, device.ServiceData{
		UUID: device.NormalizeUUID(uuid),
		Data: data,
	})
	return b
}

// Build returns a copy, so a builder can be reused for variants.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.services = append([]string(nil), b.adv.services...)
	adv.serviceData = append([]device.ServiceData(nil), b.adv.serviceData...)
	return &adv
}
