package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/gattmux/internal/device"
)

// FakePeripheral is an in-memory GATT peripheral served by FakeTransport.
//
// By default writes are echoed: a read after a write returns the written bytes.
// Failures, latency and remote disconnects can be scripted from tests.
type FakePeripheral struct {
	address string
	name    string
	rssi    int

	mu          sync.Mutex
	services    []device.ServiceDescriptor
	values      map[string][]byte
	written     map[string][][]byte
	echo        bool
	failures    map[string][]error
	latency     time.Duration
	unreachable bool
	links       map[*FakeLink]struct{}
	subscribers map[string]map[*FakeLink]func([]byte)
	opLog       []string

	Connects     atomic.Int32
	Discovers    atomic.Int32
	Reads        atomic.Int32
	Writes       atomic.Int32
	Subscribes   atomic.Int32
	Unsubscribes atomic.Int32
	Disconnects  atomic.Int32

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakePeripheral(address, name string, rssi int) *FakePeripheral {
	return &FakePeripheral{
		address:     device.NormalizeAddress(address),
		name:        name,
		rssi:        rssi,
		values:      make(map[string][]byte),
		written:     make(map[string][][]byte),
		echo:        true,
		failures:    make(map[string][]error),
		links:       make(map[*FakeLink]struct{}),
		subscribers: make(map[string]map[*FakeLink]func([]byte)),
	}
}

func (p *FakePeripheral) Address() string { return p.address }
func (p *FakePeripheral) Name() string    { return p.name }

// Advertisement returns an advertisement for this peripheral, as a scan would report it
func (p *FakePeripheral) Advertisement() device.Advertisement {
	services := make([]string, 0, len(p.services))
	for _, s := range p.services {
		services = append(services, s.UUID)
	}
	return NewAdvertisementBuilder().
		WithAddress(p.address).
		WithName(p.name).
		WithRSSI(p.rssi).
		WithServices(services...).
		Build()
}

// Services returns the configured profile
func (p *FakePeripheral) Services() []device.ServiceDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]device.ServiceDescriptor(nil), p.services...)
}

// Value returns the current value of a characteristic
func (p *FakePeripheral) Value(uuid string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.values[device.NormalizeUUID(uuid)]...)
}

// SetValue changes a characteristic value without notifying subscribers
func (p *FakePeripheral) SetValue(uuid string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[device.NormalizeUUID(uuid)] = append([]byte(nil), value...)
}

// Written returns every payload written to the characteristic, in order
func (p *FakePeripheral) Written(uuid string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written[device.NormalizeUUID(uuid)]...)
}

// SetEcho controls whether writes update the readable value
func (p *FakePeripheral) SetEcho(echo bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.echo = echo
}

// SetLatency delays every operation by d; the delay honours cancellation
func (p *FakePeripheral) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// SetUnreachable makes connection attempts hang until the caller gives up
func (p *FakePeripheral) SetUnreachable(unreachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreachable = unreachable
}

// FailNext queues errors returned by the next calls of op, one per call.
// op is one of "connect", "discover", "read", "write", "subscribe", "unsubscribe".
func (p *FakePeripheral) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// FailTimes queues n copies of err for op
func (p *FakePeripheral) FailTimes(op string, n int, err error) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	p.FailNext(op, errs...)
}

func (p *FakePeripheral) nextFailure(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	p.failures[op] = queue[1:]
	return queue[0]
}

// Notify pushes a value to every subscribed link and returns how many handlers received it
func (p *FakePeripheral) Notify(uuid string, data []byte) int {
	key := device.NormalizeUUID(uuid)

	p.mu.Lock()
	p.values[key] = append([]byte(nil), data...)
	handlers := make([]func([]byte), 0, len(p.subscribers[key]))
	for _, h := range p.subscribers[key] {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
	return len(handlers)
}

// Subscribers returns the number of links subscribed to the characteristic
func (p *FakePeripheral) Subscribers(uuid string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers[device.NormalizeUUID(uuid)])
}

// DropConnection simulates the peripheral going out of range
func (p *FakePeripheral) DropConnection() {
	p.mu.Lock()
	links := make([]*FakeLink, 0, len(p.links))
	for l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()

	for _, l := range links {
		l.drop()
	}
}

// Ops returns the log of operations in the order the peripheral started them
func (p *FakePeripheral) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.opLog...)
}

// MaxInFlight returns the highest number of operations observed running at once
func (p *FakePeripheral) MaxInFlight() int {
	return int(p.maxInFlight.Load())
}

// ActiveLinks returns the number of links that are still connected
func (p *FakePeripheral) ActiveLinks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

func (p *FakePeripheral) characteristic(uuid string) (device.CharacteristicDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.services {
		for _, c := range s.Characteristics {
			if c.UUID == uuid {
				return c, true
			}
		}
	}
	return device.CharacteristicDescriptor{}, false
}

// FakeLink is a device.Link onto a FakePeripheral
type FakeLink struct {
	p            *FakePeripheral
	disconnected chan struct{}
	once         sync.Once
}

func (l *FakeLink) Address() string { return l.p.address }

func (l *FakeLink) Disconnected() <-chan struct{} { return l.disconnected }

func (l *FakeLink) drop() {
	l.once.Do(func() {
		l.p.mu.Lock()
		delete(l.p.links, l)
		for _, subs := range l.p.subscribers {
			delete(subs, l)
		}
		l.p.mu.Unlock()
		close(l.disconnected)
	})
}

func (l *FakeLink) Disconnect() error {
	l.p.Disconnects.Add(1)
	l.drop()
	return nil
}

func (l *FakeLink) closed() bool {
	select {
	case <-l.disconnected:
		return true
	default:
		return false
	}
}

// run executes one scripted peripheral operation
func (l *FakeLink) run(ctx context.Context, op, uuid string, fn func() error) (err error) {
	if l.closed() {
		return errLinkDropped
	}

	cur := l.p.inFlight.Add(1)
	defer l.p.inFlight.Add(-1)
	for {
		maxSeen := l.p.maxInFlight.Load()
		if cur <= maxSeen || l.p.maxInFlight.CompareAndSwap(maxSeen, cur) {
			break
		}
	}

	l.p.mu.Lock()
	l.p.opLog = append(l.p.opLog, fmt.Sprintf("%s %s", op, uuid))
	latency := l.p.latency
	l.p.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.disconnected:
			return errLinkDropped
		}
	}

	if err := l.p.nextFailure(op); err != nil {
		return err
	}
	return fn()
}

var errLinkDropped = errors.New("link dropped")

func ioError(op, uuid string, err error) error {
	if err == nil {
		return nil
	}
	var ie *device.IoError
	if errors.As(err, &ie) {
		return err
	}
	kind := device.KindOf(err)
	if errors.Is(err, errLinkDropped) {
		kind = device.KindDisconnected
	}
	if kind == "" {
		kind = device.KindTransportBusy
	}
	return &device.IoError{Kind: kind, Op: op, UUID: uuid, Err: err}
}

func (l *FakeLink) DiscoverServices(ctx context.Context) ([]device.ServiceDescriptor, error) {
	l.p.Discovers.Add(1)
	var services []device.ServiceDescriptor
	err := l.run(ctx, "discover", "", func() error {
		services = l.p.Services()
		return nil
	})
	if err != nil {
		var de *device.DiscoverError
		if errors.As(err, &de) {
			return nil, err
		}
		kind := device.KindOf(err)
		if kind != device.KindTimeout && kind != device.KindCancelled {
			kind = device.KindDisconnected
		}
		return nil, &device.DiscoverError{Kind: kind, Address: l.p.address, Err: err}
	}
	return services, nil
}

func (l *FakeLink) Read(ctx context.Context, uuid string) ([]byte, error) {
	l.p.Reads.Add(1)
	var value []byte
	err := l.run(ctx, "read", uuid, func() error {
		c, ok := l.p.characteristic(uuid)
		if !ok {
			return &device.IoError{Kind: device.KindNotFound, Op: "read", UUID: uuid}
		}
		if !c.Capabilities.Readable() {
			return &device.IoError{Kind: device.KindNotReadable, Op: "read", UUID: uuid}
		}
		value = l.p.Value(uuid)
		return nil
	})
	return value, ioError("read", uuid, err)
}

func (l *FakeLink) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	l.p.Writes.Add(1)
	err := l.run(ctx, "write", uuid, func() error {
		c, ok := l.p.characteristic(uuid)
		if !ok {
			return &device.IoError{Kind: device.KindNotFound, Op: "write", UUID: uuid}
		}
		if !c.Capabilities.Writable() && !c.Capabilities.WritableWithoutResponse() {
			return &device.IoError{Kind: device.KindNotWritable, Op: "write", UUID: uuid}
		}

		l.p.mu.Lock()
		defer l.p.mu.Unlock()
		payload := append([]byte(nil), data...)
		l.p.written[uuid] = append(l.p.written[uuid], payload)
		if l.p.echo {
			l.p.values[uuid] = payload
		}
		return nil
	})
	return ioError("write", uuid, err)
}

func (l *FakeLink) Subscribe(ctx context.Context, uuid string, handler func([]byte)) error {
	l.p.Subscribes.Add(1)
	err := l.run(ctx, "subscribe", uuid, func() error {
		c, ok := l.p.characteristic(uuid)
		if !ok {
			return &device.IoError{Kind: device.KindNotFound, Op: "subscribe", UUID: uuid}
		}
		if !c.Capabilities.Notifiable() {
			return &device.IoError{Kind: device.KindNotNotifiable, Op: "subscribe", UUID: uuid}
		}

		l.p.mu.Lock()
		defer l.p.mu.Unlock()
		if l.p.subscribers[uuid] == nil {
			l.p.subscribers[uuid] = make(map[*FakeLink]func([]byte))
		}
		l.p.subscribers[uuid][l] = handler
		return nil
	})
	return ioError("subscribe", uuid, err)
}

func (l *FakeLink) Unsubscribe(ctx context.Context, uuid string) error {
	l.p.Unsubscribes.Add(1)
	err := l.run(ctx, "unsubscribe", uuid, func() error {
		l.p.mu.Lock()
		defer l.p.mu.Unlock()
		delete(l.p.subscribers[uuid], l)
		return nil
	})
	return ioError("unsubscribe", uuid, err)
}
