package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/groutine"
)

var (
	errLinkClosed    = errors.New("link disconnected")
	errTransportBusy = errors.New("transport busy: previous operation still in flight")
)

// Link is a live go-ble connection implementing device.Link.
//
// Calls into ble.Client are serialized by a single-slot semaphore. When a caller
// gives up on an operation (cancellation or timeout), the radio call keeps the
// slot until go-ble returns, so the next operation cannot overlap it.
type Link struct {
	client  ble.Client
	address string
	logger  *logrus.Logger

	sem chan struct{}

	charsMu sync.RWMutex
	chars   map[string]*ble.Characteristic

	disconnected chan struct{}
	dropOnce     sync.Once
	cancelOnce   sync.Once
	cancelErr    error
}

// NewLink wraps a connected ble.Client and starts monitoring it for remote disconnects
func NewLink(address string, client ble.Client, logger *logrus.Logger) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Link{
		client:       client,
		address:      address,
		logger:       logger,
		sem:          make(chan struct{}, 1),
		chars:        make(map[string]*ble.Characteristic),
		disconnected: make(chan struct{}),
	}

	// Monitor go-ble client Disconnected() channel
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				l.logger.WithField("address", address).Warn("Peripheral dropped the connection")
				l.markDisconnected()
			case <-l.disconnected:
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}

	return l
}

func (l *Link) Address() string { return l.address }

// Disconnected is closed once the link is gone, whichever side ended it
func (l *Link) Disconnected() <-chan struct{} { return l.disconnected }

func (l *Link) markDisconnected() {
	l.dropOnce.Do(func() { close(l.disconnected) })
}

// Disconnect cancels the connection. Subsequent calls return the first result.
func (l *Link) Disconnect() error {
	l.cancelOnce.Do(func() {
		select {
		case <-l.disconnected:
			// remote side already closed it
		default:
			l.cancelErr = l.client.CancelConnection()
		}
		l.markDisconnected()
	})
	return l.cancelErr
}

// call runs fn against the client while holding the semaphore.
// It returns early when ctx is done or the link drops.
func (l *Link) call(ctx context.Context, fn func() error) error {
	select {
	case <-l.disconnected:
		return errLinkClosed
	default:
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", errTransportBusy, ctx.Err())
		}
		return ctx.Err()
	case <-l.disconnected:
		return errLinkClosed
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-l.sem }()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.disconnected:
		return errLinkClosed
	}
}

// DiscoverServices walks the remote profile and caches characteristic handles for later I/O
func (l *Link) DiscoverServices(ctx context.Context) ([]device.ServiceDescriptor, error) {
	var profile *ble.Profile
	err := l.call(ctx, func() error {
		p, err := l.client.DiscoverProfile(true)
		profile = p
		return err
	})
	if err != nil {
		if errors.Is(err, errTransportBusy) {
			return nil, &device.DiscoverError{Kind: device.KindTimeout, Address: l.address, Err: err}
		}
		return nil, NormalizeDiscoverError(l.address, err)
	}

	services := make([]device.ServiceDescriptor, 0, len(profile.Services))
	chars := make(map[string]*ble.Characteristic)

	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		sd := device.ServiceDescriptor{
			UUID:            svcUUID,
			Characteristics: make([]device.CharacteristicDescriptor, 0, len(svc.Characteristics)),
		}

		for _, c := range svc.Characteristics {
			charUUID := device.NormalizeUUID(c.UUID.String())
			if _, dup := chars[charUUID]; dup {
				l.logger.WithFields(logrus.Fields{
					"service_uuid": svcUUID,
					"char_uuid":    charUUID,
				}).Warn("Duplicate characteristic UUID, keeping the first occurrence")
				continue
			}
			chars[charUUID] = c
			sd.Characteristics = append(sd.Characteristics, device.CharacteristicDescriptor{
				UUID:         charUUID,
				ServiceUUID:  svcUUID,
				Capabilities: CapabilitiesFromProperty(c.Property),
			})
		}
		services = append(services, sd)
	}

	l.charsMu.Lock()
	l.chars = chars
	l.charsMu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":         l.address,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")

	return services, nil
}

func (l *Link) characteristic(op, uuid string) (*ble.Characteristic, error) {
	l.charsMu.RLock()
	defer l.charsMu.RUnlock()

	c, ok := l.chars[uuid]
	if !ok {
		return nil, &device.IoError{Kind: device.KindNotFound, Op: op, UUID: uuid,
			Err: fmt.Errorf("characteristic %q not discovered", uuid)}
	}
	return c, nil
}

func (l *Link) Read(ctx context.Context, uuid string) ([]byte, error) {
	c, err := l.characteristic("read", uuid)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = l.call(ctx, func() error {
		v, err := l.client.ReadCharacteristic(c)
		data = append([]byte(nil), v...)
		return err
	})
	if err != nil {
		return nil, NormalizeIoError("read", uuid, err)
	}
	return data, nil
}

func (l *Link) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	c, err := l.characteristic("write", uuid)
	if err != nil {
		return err
	}

	payload := append([]byte(nil), data...)
	err = l.call(ctx, func() error {
		return l.client.WriteCharacteristic(c, payload, !withResponse)
	})
	return NormalizeIoError("write", uuid, err)
}

// Subscribe enables notifications, or indications when the characteristic only supports those.
// The handler runs on a go-ble goroutine and receives a private copy of each value.
func (l *Link) Subscribe(ctx context.Context, uuid string, handler func([]byte)) error {
	c, err := l.characteristic("subscribe", uuid)
	if err != nil {
		return err
	}

	ind, err := indicationMode(c, "subscribe", uuid)
	if err != nil {
		return err
	}

	err = l.call(ctx, func() error {
		return l.client.Subscribe(c, ind, func(req []byte) {
			handler(append([]byte(nil), req...))
		})
	})
	return NormalizeIoError("subscribe", uuid, err)
}

func (l *Link) Unsubscribe(ctx context.Context, uuid string) error {
	c, err := l.characteristic("unsubscribe", uuid)
	if err != nil {
		return err
	}

	ind, err := indicationMode(c, "unsubscribe", uuid)
	if err != nil {
		return err
	}

	err = l.call(ctx, func() error {
		return l.client.Unsubscribe(c, ind)
	})
	return NormalizeIoError("unsubscribe", uuid, err)
}

func indicationMode(c *ble.Characteristic, op, uuid string) (bool, error) {
	switch {
	case c.Property&ble.CharNotify != 0:
		return false, nil
	case c.Property&ble.CharIndicate != 0:
		return true, nil
	default:
		return false, &device.IoError{Kind: device.KindNotNotifiable, Op: op, UUID: uuid}
	}
}
