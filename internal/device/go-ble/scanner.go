package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
)

// Transport adapts a go-ble ble.Device to device.Transport.
// The platform device is created on first use through DeviceFactory and shared by every link.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a go-ble backed transport
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithError(err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	t.dev = dev
	return dev, nil
}

// Scan wraps ble.Device.Scan converting each ble.Advertisement to a device.Advertisement.
// Cancellation and deadline expiry of ctx are a normal end of scan.
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := t.device()
	if err != nil {
		return &device.ScanError{Kind: device.KindTransportUnavailable, Err: err}
	}

	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	t.logger.WithError(err).Warn("BLE scan aborted by the platform stack")
	return &device.ScanError{Kind: device.KindTransportUnavailable, Err: err}
}

// Connect dials the peripheral. The attempt is bounded by ctx even if the
// platform stack ignores it; a connection that completes after the caller gave
// up is cancelled in the background.
func (t *Transport) Connect(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, &device.ConnectError{Kind: device.KindRefused, Err: errors.New("device address is empty")}
	}

	dev, err := t.device()
	if err != nil {
		return nil, &device.ConnectError{Kind: device.KindTransportUnavailable, Address: address, Err: err}
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device...")

	type dialResult struct {
		client ble.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)

	go func() {
		client, err := dev.Dial(ctx, ble.NewAddr(address))
		resultCh <- dialResult{client: client, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   r.err,
			}).Debug("Failed to dial BLE device")
			return nil, NormalizeConnectError(address, r.err)
		}
		return NewLink(address, r.client, t.logger), nil

	case <-ctx.Done():
		go func() {
			if r := <-resultCh; r.client != nil {
				_ = r.client.CancelConnection()
			}
		}()
		return nil, NormalizeConnectError(address, ctx.Err())
	}
}

// Close stops the platform device if it was created
func (t *Transport) Close() error {
	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev == nil {
		return nil
	}
	return dev.Stop()
}
