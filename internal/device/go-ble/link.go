package goble

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/device"
)

// bleLink is one open GATT client connection.
type bleLink struct {
	address string
	client  ble.Client
	logger  *logrus.Logger

	closeOnce sync.Once
	gone      chan struct{}
}

func newBLELink(address string, client ble.Client, logger *logrus.Logger) *bleLink {
	l := &bleLink{
		address: address,
		client:  client,
		logger:  logger,
		gone:    make(chan struct{}),
	}

	// Not every backend exposes a disconnect channel; without one only Close ends the link.
	if notifier, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			select {
			case <-notifier.Disconnected():
				l.logger.WithField("address", address).Debug("BLE link dropped by peer")
				l.markGone()
			case <-l.gone:
			}
		}()
	}
	return l
}

func (l *bleLink) Address() string { return l.address }

func (l *bleLink) Disconnected() <-chan struct{} { return l.gone }

func (l *bleLink) markGone() {
	l.closeOnce.Do(func() { close(l.gone) })
}

// Characteristic discovers one characteristic; notify-capable ones also get their CCCD.
func (l *bleLink) Characteristic(service, characteristic string) (device.Characteristic, error) {
	svcUUID, err := ble.Parse(service)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", service, err)
	}
	charUUID, err := ble.Parse(characteristic)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristic, err)
	}

	services, err := l.client.DiscoverServices([]ble.UUID{svcUUID})
	if err != nil {
		return nil, NormalizeError(err)
	}
	var svc *ble.Service
	for _, s := range services {
		if s.UUID.Equal(svcUUID) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	chars, err := l.client.DiscoverCharacteristics([]ble.UUID{charUUID}, svc)
	if err != nil {
		return nil, NormalizeError(err)
	}
	for _, c := range chars {
		if !c.UUID.Equal(charUUID) {
			continue
		}
		handle := newBLECharacteristic(c)
		if handle.canNotify() {
			if _, err := l.client.DiscoverDescriptors(nil, c); err != nil {
				l.logger.WithFields(logrus.Fields{
					"address":        l.address,
					"characteristic": characteristic,
					"error":          err,
				}).Warn("Descriptor discovery failed")
			}
		}
		return handle, nil
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
}

// Services enumerates the full profile, sorted by UUID.
func (l *bleLink) Services() ([]device.ServiceInfo, error) {
	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	result := make([]device.ServiceInfo, 0, len(profile.Services))
	for _, s := range profile.Services {
		info := device.ServiceInfo{UUID: device.NormalizeUUID(s.UUID.String())}
		for _, c := range s.Characteristics {
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:       device.NormalizeUUID(c.UUID.String()),
				Properties: NewProperties(c.Property),
			})
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UUID < result[j].UUID })
	return result, nil
}

func (l *bleLink) Read(c device.Characteristic) ([]byte, error) {
	char, err := unwrap(c)
	if err != nil {
		return nil, err
	}
	data, err := l.client.ReadCharacteristic(char.BLEChar)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", char.uuid, NormalizeError(err))
	}
	return data, nil
}

func (l *bleLink) Write(c device.Characteristic, data []byte) error {
	char, err := unwrap(c)
	if err != nil {
		return err
	}
	if err := l.client.WriteCharacteristic(char.BLEChar, data, char.writeWithoutResponse()); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", char.uuid, NormalizeError(err))
	}
	return nil
}

func (l *bleLink) Subscribe(c device.Characteristic, handler func([]byte)) error {
	char, err := unwrap(c)
	if err != nil {
		return err
	}
	if !char.canNotify() {
		return fmt.Errorf("characteristic %s: notifications %w", char.uuid, device.ErrUnsupported)
	}
	if err := l.client.Subscribe(char.BLEChar, char.useIndication(), func(data []byte) {
		handler(data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", char.uuid, NormalizeError(err))
	}
	return nil
}

func (l *bleLink) Close() error {
	defer l.markGone()
	if err := l.client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func unwrap(c device.Characteristic) (*BLECharacteristic, error) {
	char, ok := c.(*BLECharacteristic)
	if !ok || char.BLEChar == nil {
		return nil, fmt.Errorf("characteristic handle %T does not belong to this link", c)
	}
	return char, nil
}
