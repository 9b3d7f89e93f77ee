package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/gattmux/internal/device"
)

// FakeTransport is an in-memory device.Transport.
//
// Scan replays the configured advertisements (optionally spaced by an interval)
// and then idles until the scan context ends, like a real radio would.
// Connect resolves addresses against registered peripherals; unknown or
// unreachable addresses hang until the connect deadline.
type FakeTransport struct {
	mu             sync.Mutex
	peripherals    map[string]*FakePeripheral
	advertisements []device.Advertisement
	advInterval    time.Duration
	scanErr        error

	ScanCalls    atomic.Int32
	ConnectCalls atomic.Int32

	connectsInFlight atomic.Int32
	maxConnects      atomic.Int32
}

// NewFakeTransport creates a transport serving the given peripherals.
// Each peripheral also contributes its advertisement to scans.
func NewFakeTransport(peripherals ...*FakePeripheral) *FakeTransport {
	t := &FakeTransport{peripherals: make(map[string]*FakePeripheral)}
	for _, p := range peripherals {
		t.AddPeripheral(p)
	}
	return t
}

// AddPeripheral registers a connectable peripheral and its advertisement
func (t *FakeTransport) AddPeripheral(p *FakePeripheral) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peripherals[p.address] = p
	t.advertisements = append(t.advertisements, p.Advertisement())
}

// WithAdvertisements appends raw advertisements to the scan replay
func (t *FakeTransport) WithAdvertisements(advs ...device.Advertisement) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertisements = append(t.advertisements, advs...)
	return t
}

// SetAdvertisementInterval spaces replayed advertisements by d
func (t *FakeTransport) SetAdvertisementInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advInterval = d
}

// FailScan makes the next scans end with err once the advertisements are replayed
func (t *FakeTransport) FailScan(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanErr = err
}

// Peripheral returns the registered peripheral for an address
func (t *FakeTransport) Peripheral(address string) *FakePeripheral {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peripherals[device.NormalizeAddress(address)]
}

// MaxConcurrentConnects returns the highest number of Connect calls observed at once
func (t *FakeTransport) MaxConcurrentConnects() int {
	return int(t.maxConnects.Load())
}

func (t *FakeTransport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	t.ScanCalls.Add(1)

	t.mu.Lock()
	advs := append([]device.Advertisement(nil), t.advertisements...)
	interval := t.advInterval
	scanErr := t.scanErr
	t.mu.Unlock()

	for _, adv := range advs {
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		handler(adv)
	}

	if scanErr != nil {
		return &device.ScanError{Kind: device.KindTransportUnavailable, Err: scanErr}
	}

	<-ctx.Done()
	return nil
}

func (t *FakeTransport) Connect(ctx context.Context, address string) (device.Link, error) {
	t.ConnectCalls.Add(1)
	cur := t.connectsInFlight.Add(1)
	defer t.connectsInFlight.Add(-1)
	for {
		maxSeen := t.maxConnects.Load()
		if cur <= maxSeen || t.maxConnects.CompareAndSwap(maxSeen, cur) {
			break
		}
	}

	p := t.Peripheral(address)

	var unreachable bool
	var latency time.Duration
	if p != nil {
		p.mu.Lock()
		unreachable = p.unreachable
		latency = p.latency
		p.mu.Unlock()
	}

	if p == nil || unreachable {
		<-ctx.Done()
		return nil, connectError(address, ctx.Err())
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, connectError(address, ctx.Err())
		}
	}

	p.Connects.Add(1)
	if err := p.nextFailure("connect"); err != nil {
		return nil, connectError(address, err)
	}

	link := &FakeLink{p: p, disconnected: make(chan struct{})}
	p.mu.Lock()
	p.links[link] = struct{}{}
	p.mu.Unlock()
	return link, nil
}

func connectError(address string, err error) error {
	var ce *device.ConnectError
	if errors.As(err, &ce) {
		return err
	}
	kind := device.KindOf(err)
	if kind == "" {
		kind = device.KindRefused
	}
	return &device.ConnectError{Kind: kind, Address: address, Err: err}
}
