// Package session owns connections to peripherals.
//
// A Session wraps one device.Link. Every operation on it (discover, read,
// write, subscribe) is queued and executed by a single worker goroutine, so
// operations complete in the order they were submitted and the link never
// sees two calls at once. Sessions for different peripherals are independent.
//
// A Session ends on Close, when the peripheral drops the link, or when an
// operation fails with a Disconnected error. Afterwards every operation fails
// immediately with a Disconnected error and Done is closed.
package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	opDiscover    = "discover"
	opRead        = "read"
	opWrite       = "write"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

var (
	errSessionClosed  = errors.New("session closed")
	errRemoteDropped  = errors.New("peripheral dropped the connection")
	errAckUnsupported = errors.New("characteristic only supports write without response")
)

type op struct {
	name string
	uuid string
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Stats are running counters of a session
type Stats struct {
	Discovers     uint64
	Reads         uint64
	Writes        uint64
	Notifications uint64
	Retries       uint64
	Failures      uint64
	Cancelled     uint64
	Pending       int
}

type stats struct {
	discovers, reads, writes, notifications atomic.Uint64
	retries, failures, cancelled            atomic.Uint64
}

// Session is one open connection to one peripheral
type Session struct {
	address string
	link    device.Link
	logger  *logrus.Logger
	opts    Options

	state atomic.Int32

	ops     chan *op
	closing chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	group   *groutine.Group

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	closeErr  error

	cacheMu  sync.RWMutex
	services *orderedmap.OrderedMap[string, device.ServiceDescriptor]
	chars    map[string]device.CharacteristicDescriptor

	subsMu sync.Mutex
	subs   map[string]func([]byte)

	stats stats

	onClose func(*Session)
}

func newSession(link device.Link, logger *logrus.Logger, opts Options, onClose func(*Session)) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		address: device.NormalizeAddress(link.Address()),
		link:    link,
		logger:  logger,
		opts:    opts,
		ops:     make(chan *op, opts.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
		group:   groutine.NewGroup(logger),
		subs:    make(map[string]func([]byte)),
		onClose: onClose,
	}
	s.state.Store(int32(device.StateConnected))

	s.group.Go(ctx, "session-worker", s.run)
	s.group.Go(ctx, "session-monitor", s.monitor)

	s.logger.WithField("address", s.address).Info("Session opened")
	return s
}

func (s *Session) Address() string { return s.address }

// State returns the current lifecycle state
func (s *Session) State() device.SessionState {
	return device.SessionState(s.state.Load())
}

// Done is closed once the session has fully released its link
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended; nil while open and after an explicit Close
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) Stats() Stats {
	return Stats{
		Discovers:     s.stats.discovers.Load(),
		Reads:         s.stats.reads.Load(),
		Writes:        s.stats.writes.Load(),
		Notifications: s.stats.notifications.Load(),
		Retries:       s.stats.retries.Load(),
		Failures:      s.stats.failures.Load(),
		Cancelled:     s.stats.cancelled.Load(),
		Pending:       len(s.ops),
	}
}

// Services returns the cached GATT profile in discovery order; nil before discovery
func (s *Session) Services() []device.ServiceDescriptor {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if s.services == nil {
		return nil
	}
	out := make([]device.ServiceDescriptor, 0, s.services.Len())
	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristic looks up a discovered characteristic
func (s *Session) Characteristic(uuid string) (device.CharacteristicDescriptor, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	c, ok := s.chars[device.NormalizeUUID(uuid)]
	return c, ok
}

func (s *Session) discovered() bool {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.services != nil
}

// DiscoverServices returns the GATT profile, walking it on first use or when forceRefresh is set
func (s *Session) DiscoverServices(ctx context.Context, forceRefresh bool) ([]device.ServiceDescriptor, error) {
	var out []device.ServiceDescriptor
	err := s.do(ctx, opDiscover, "", s.opts.DiscoverTimeout, func(ctx context.Context) error {
		if !forceRefresh && s.discovered() {
			out = s.Services()
			return nil
		}
		services, err := s.discover(ctx)
		out = services
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadCharacteristic reads the current value of a characteristic
func (s *Session) ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error) {
	id, err := s.validUUID(opRead, uuid)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = s.do(ctx, opRead, id, s.opts.ReadTimeout, func(ctx context.Context) error {
		c, err := s.resolve(ctx, opRead, id)
		if err != nil {
			return err
		}
		if !c.Capabilities.Readable() {
			return &device.IoError{Kind: device.KindNotReadable, Op: opRead, UUID: id}
		}
		data, err := s.link.Read(ctx, id)
		if err != nil {
			return err
		}
		value = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.stats.reads.Add(1)
	return value, nil
}

// WriteCharacteristic writes data to a characteristic.
//
// withResponse selects an acknowledged write. A write without response falls
// back to an acknowledged write when the characteristic only supports that.
func (s *Session) WriteCharacteristic(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	_, err := s.write(ctx, uuid, data, withResponse, false)
	return err
}

// WriteReadBack writes data and reads the characteristic back within the same queued operation,
// so no other operation on the session can interleave between the two.
func (s *Session) WriteReadBack(ctx context.Context, uuid string, data []byte, withResponse bool) ([]byte, error) {
	return s.write(ctx, uuid, data, withResponse, true)
}

func (s *Session) write(ctx context.Context, uuid string, data []byte, withResponse, readBack bool) ([]byte, error) {
	id, err := s.validUUID(opWrite, uuid)
	if err != nil {
		return nil, err
	}
	payload := bytes.Clone(data)

	var back []byte
	err = s.do(ctx, opWrite, id, s.opts.WriteTimeout, func(ctx context.Context) error {
		c, err := s.resolve(ctx, opWrite, id)
		if err != nil {
			return err
		}
		ack, err := writeMode(c, withResponse)
		if err != nil {
			return err
		}

		for _, chunk := range chunks(payload, s.opts.WriteChunkSize) {
			if err := s.link.Write(ctx, id, chunk, ack); err != nil {
				return err
			}
		}
		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"uuid":    id,
			"bytes":   len(payload),
			"ack":     ack,
		}).Debug("Wrote characteristic")

		if !readBack {
			return nil
		}
		if !c.Capabilities.Readable() {
			return &device.IoError{Kind: device.KindNotReadable, Op: opRead, UUID: id}
		}
		value, err := s.link.Read(ctx, id)
		if err != nil {
			return err
		}
		back = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.stats.writes.Add(1)
	return back, nil
}

func writeMode(c device.CharacteristicDescriptor, withResponse bool) (ack bool, err error) {
	caps := c.Capabilities
	switch {
	case withResponse && caps.Writable():
		return true, nil
	case withResponse && caps.WritableWithoutResponse():
		return false, &device.IoError{Kind: device.KindNotWritable, Op: opWrite, UUID: c.UUID, Err: errAckUnsupported}
	case !withResponse && caps.WritableWithoutResponse():
		return false, nil
	case !withResponse && caps.Writable():
		return true, nil
	default:
		return false, &device.IoError{Kind: device.KindNotWritable, Op: opWrite, UUID: c.UUID}
	}
}

func chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// SubscribeNotifications routes value updates of a notifiable characteristic to handler.
// Subscribing again replaces the handler without touching the link.
// The handler runs on the transport's goroutine and must not block.
func (s *Session) SubscribeNotifications(ctx context.Context, uuid string, handler func([]byte)) error {
	id, err := s.validUUID(opSubscribe, uuid)
	if err != nil {
		return err
	}

	return s.do(ctx, opSubscribe, id, s.opts.ReadTimeout, func(ctx context.Context) error {
		s.subsMu.Lock()
		_, active := s.subs[id]
		if active {
			s.subs[id] = handler
		}
		s.subsMu.Unlock()
		if active {
			return nil
		}

		c, err := s.resolve(ctx, opSubscribe, id)
		if err != nil {
			return err
		}
		if !c.Capabilities.Notifiable() {
			return &device.IoError{Kind: device.KindNotNotifiable, Op: opSubscribe, UUID: id}
		}

		s.subsMu.Lock()
		s.subs[id] = handler
		s.subsMu.Unlock()

		if err := s.link.Subscribe(ctx, id, s.dispatch(id)); err != nil {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			return err
		}
		s.logger.WithFields(logrus.Fields{"address": s.address, "uuid": id}).Info("Subscribed to notifications")
		return nil
	})
}

// UnsubscribeNotifications stops notifications for a characteristic. Unknown subscriptions are ignored.
func (s *Session) UnsubscribeNotifications(ctx context.Context, uuid string) error {
	id, err := s.validUUID(opUnsubscribe, uuid)
	if err != nil {
		return err
	}

	return s.do(ctx, opUnsubscribe, id, s.opts.WriteTimeout, func(ctx context.Context) error {
		s.subsMu.Lock()
		_, active := s.subs[id]
		delete(s.subs, id)
		s.subsMu.Unlock()
		if !active {
			return nil
		}

		if err := s.link.Unsubscribe(ctx, id); err != nil {
			s.logger.WithFields(logrus.Fields{"address": s.address, "uuid": id}).WithError(err).Warn("Failed to unsubscribe")
			return err
		}
		s.logger.WithFields(logrus.Fields{"address": s.address, "uuid": id}).Info("Unsubscribed from notifications")
		return nil
	})
}

// Subscribed reports whether notifications for uuid are routed to a handler
func (s *Session) Subscribed(uuid string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	_, ok := s.subs[device.NormalizeUUID(uuid)]
	return ok
}

func (s *Session) dispatch(uuid string) func([]byte) {
	return func(data []byte) {
		if s.State() != device.StateConnected {
			return
		}
		s.subsMu.Lock()
		handler := s.subs[uuid]
		s.subsMu.Unlock()
		if handler == nil {
			return
		}
		s.stats.notifications.Add(1)
		handler(data)
	}
}

// Close releases the link exactly once and waits until the session is fully shut down.
// Safe to call concurrently and repeatedly; later calls return the same result.
func (s *Session) Close() error {
	s.shutdown(nil)
	<-s.done
	return s.closeErr
}

// fail ends the session because the link is gone
func (s *Session) fail(cause error) {
	s.shutdown(cause)
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(device.StateClosing))
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		if cause != nil {
			s.logger.WithField("address", s.address).WithError(cause).Warn("Session lost")
		} else {
			s.logger.WithField("address", s.address).Info("Closing session...")
		}

		close(s.closing)
		s.cancel()
		go s.finalize(cause)
	})
}

func (s *Session) finalize(cause error) {
	s.logger.WithField("address", s.address).Debug("Waiting for session goroutines to complete...")
	s.group.Wait()
	s.failQueued()

	s.subsMu.Lock()
	subs := make([]string, 0, len(s.subs))
	for uuid := range s.subs {
		subs = append(subs, uuid)
	}
	s.subs = make(map[string]func([]byte))
	s.subsMu.Unlock()

	// a dropped link has nothing left to unsubscribe from
	if cause == nil {
		for _, uuid := range subs {
			ctx, cancel := withTimeout(context.Background(), s.opts.WriteTimeout)
			if err := s.link.Unsubscribe(ctx, uuid); err != nil {
				s.logger.WithFields(logrus.Fields{"address": s.address, "uuid": uuid}).WithError(err).Warn("Failed to unsubscribe during close")
			}
			cancel()
		}
	}

	if err := s.link.Disconnect(); err != nil {
		s.closeErr = err
		s.logger.WithField("address", s.address).WithError(err).Warn("BLE device disconnected with errors")
	}

	s.cacheMu.Lock()
	s.services = nil
	s.chars = nil
	s.cacheMu.Unlock()

	s.state.Store(int32(device.StateDisconnected))
	if s.onClose != nil {
		s.onClose(s)
	}
	s.logger.WithField("address", s.address).Info("Session closed")
	close(s.done)
}

func (s *Session) failQueued() {
	for {
		select {
		case o := <-s.ops:
			o.done <- s.closedError(o.name, o.uuid)
		default:
			return
		}
	}
}

func (s *Session) monitor(ctx context.Context) {
	select {
	case <-s.link.Disconnected():
		if ctx.Err() != nil {
			return
		}
		s.fail(&device.IoError{Kind: device.KindDisconnected, Op: "link", Err: errRemoteDropped})
	case <-ctx.Done():
	}
}

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-s.ops:
			s.execute(ctx, o)
		}
	}
}

func (s *Session) execute(ctx context.Context, o *op) {
	if err := o.ctx.Err(); err != nil {
		// the caller already gave up; the link is never touched
		o.done <- s.opError(o.name, o.uuid, device.KindCancelled, err)
		return
	}

	opCtx, cancel := context.WithCancel(o.ctx)
	stop := context.AfterFunc(ctx, cancel)
	err := o.fn(opCtx)
	stop()
	cancel()

	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = s.closedError(o.name, o.uuid)
		case o.ctx.Err() != nil:
			err = s.opError(o.name, o.uuid, device.KindCancelled, o.ctx.Err())
		}
		s.stats.failures.Add(1)
		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"op":      o.name,
			"uuid":    o.uuid,
		}).WithError(err).Debug("Operation failed")
	}
	o.done <- err

	if device.IsDisconnected(err) {
		s.fail(err)
	}
}

// submit queues fn behind every operation submitted before it and waits for its result
func (s *Session) submit(ctx context.Context, name, uuid string, fn func(ctx context.Context) error) error {
	if s.State() != device.StateConnected {
		return s.closedError(name, uuid)
	}
	if err := ctx.Err(); err != nil {
		s.stats.cancelled.Add(1)
		return s.opError(name, uuid, device.KindCancelled, err)
	}

	o := &op{name: name, uuid: uuid, ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case s.ops <- o:
	case <-s.closing:
		return s.closedError(name, uuid)
	case <-ctx.Done():
		s.stats.cancelled.Add(1)
		return s.opError(name, uuid, device.KindCancelled, ctx.Err())
	}

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		s.stats.cancelled.Add(1)
		return s.opError(name, uuid, device.KindCancelled, ctx.Err())
	case <-s.done:
		select {
		case err := <-o.done:
			return err
		default:
			return s.closedError(name, uuid)
		}
	}
}

// do runs fn through the queue, retrying transient failures; timeout bounds each attempt
func (s *Session) do(ctx context.Context, name, uuid string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return s.submit(ctx, name, uuid, func(ctx context.Context) error {
		retries, err := s.opts.Retry.Do(ctx, opLabel(name, uuid), func(ctx context.Context) error {
			attemptCtx, cancel := withTimeout(ctx, timeout)
			defer cancel()

			err := fn(attemptCtx)
			if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				if kind := device.KindOf(err); kind == "" || kind == device.KindCancelled {
					err = s.opError(name, uuid, device.KindTimeout, err)
				}
			}
			return err
		})
		s.stats.retries.Add(uint64(retries))
		return err
	})
}

func (s *Session) discover(ctx context.Context) ([]device.ServiceDescriptor, error) {
	services, err := s.link.DiscoverServices(ctx)
	if err != nil {
		return nil, err
	}

	om := orderedmap.New[string, device.ServiceDescriptor]()
	chars := make(map[string]device.CharacteristicDescriptor)
	for _, svc := range services {
		om.Set(svc.UUID, svc)
		for _, c := range svc.Characteristics {
			if _, dup := chars[c.UUID]; dup {
				s.logger.WithFields(logrus.Fields{
					"address": s.address,
					"service": svc.UUID,
					"uuid":    c.UUID,
				}).Warn("Duplicate characteristic UUID, keeping the first one")
				continue
			}
			chars[c.UUID] = c
		}
	}

	s.cacheMu.Lock()
	s.services = om
	s.chars = chars
	s.cacheMu.Unlock()
	s.stats.discovers.Add(1)

	s.logger.WithFields(logrus.Fields{
		"address":         s.address,
		"services":        om.Len(),
		"characteristics": len(chars),
	}).Info("Discovered services")
	return s.Services(), nil
}

// resolve finds a characteristic, discovering the profile first if that never happened
func (s *Session) resolve(ctx context.Context, name, uuid string) (device.CharacteristicDescriptor, error) {
	if !s.discovered() {
		if _, err := s.discover(ctx); err != nil {
			return device.CharacteristicDescriptor{}, err
		}
	}
	c, ok := s.Characteristic(uuid)
	if !ok {
		return device.CharacteristicDescriptor{}, &device.IoError{Kind: device.KindNotFound, Op: name, UUID: uuid}
	}
	return c, nil
}

func (s *Session) validUUID(name, uuid string) (string, error) {
	ids, err := device.ValidateUUID(uuid)
	if err != nil {
		return "", &device.IoError{Kind: device.KindNotFound, Op: name, UUID: uuid, Err: err}
	}
	return ids[0], nil
}

func (s *Session) closedError(name, uuid string) error {
	return s.opError(name, uuid, device.KindDisconnected, errSessionClosed)
}

func (s *Session) opError(name, uuid string, kind device.ErrorKind, cause error) error {
	if name == opDiscover {
		return &device.DiscoverError{Kind: kind, Address: s.address, Err: cause}
	}
	return &device.IoError{Kind: kind, Op: name, UUID: uuid, Err: cause}
}

func opLabel(name, uuid string) string {
	if uuid == "" {
		return name
	}
	return name + " " + uuid
}
