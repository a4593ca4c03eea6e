package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/device"
)

// bleRadio wraps ble.Device to implement device.Radio
type bleRadio struct {
	dev    ble.Device
	logger *logrus.Logger
}

// OpenRadio opens the local adapter via DeviceFactory.
// A failure here usually means the adapter is not powered yet; callers retry.
func OpenRadio(logger *logrus.Logger) (device.Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	return &bleRadio{dev: dev, logger: logger}, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (r *bleRadio) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	if err := r.dev.Scan(ctx, allowDup, bleHandler); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Dial connects to address; ctx bounds the connect.
func (r *bleRadio) Dial(ctx context.Context, address string) (device.Link, error) {
	r.logger.WithField("address", address).Debug("Dialing BLE device...")

	client, err := r.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}
	return newBLELink(address, client, r.logger), nil
}

func (r *bleRadio) Close() error {
	return NormalizeError(r.dev.Stop())
}
