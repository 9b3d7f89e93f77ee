package stream

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/groutine"
)

// unsubscribeTimeout bounds the release of a notification upstream
const unsubscribeTimeout = 2 * time.Second

type upstreamKey struct {
	uuid     string
	mode     Mode
	interval time.Duration
}

type upstream struct {
	key    upstreamKey
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[*Handle]struct{}
	seq     uint64
}

func (u *upstream) publish(data []byte) {
	u.mu.Lock()
	u.seq++
	p := Payload{UUID: u.key.uuid, Data: bytes.Clone(data), Seq: u.seq, At: time.Now()}
	handles := make([]*Handle, 0, len(u.handles))
	for h := range u.handles {
		handles = append(handles, h)
	}
	u.mu.Unlock()

	for _, h := range handles {
		h.push(p)
	}
}

func (u *upstream) add(h *Handle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handles[h] = struct{}{}
}

// remove detaches h and reports whether the upstream has no consumers left
func (u *upstream) remove(h *Handle) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.handles, h)
	return len(u.handles) == 0
}

func (u *upstream) drain() []*Handle {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*Handle, 0, len(u.handles))
	for h := range u.handles {
		out = append(out, h)
	}
	u.handles = make(map[*Handle]struct{})
	return out
}

// Multiplexer fans characteristic values of one session out to any number of handles
type Multiplexer struct {
	src    Source
	logger *logrus.Logger

	// ctlMu serializes starting and stopping upstreams
	ctlMu sync.Mutex

	mu        sync.Mutex
	upstreams map[upstreamKey]*upstream
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *groutine.Group
}

// New creates a multiplexer for src. It ends every stream when src closes.
func New(src Source, logger *logrus.Logger) *Multiplexer {
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		src:       src,
		logger:    logger,
		upstreams: make(map[upstreamKey]*upstream),
		ctx:       ctx,
		cancel:    cancel,
		group:     groutine.NewGroup(logger),
	}
	m.group.Go(ctx, "stream-session-watch", m.watch)
	return m
}

func (m *Multiplexer) watch(ctx context.Context) {
	select {
	case <-m.src.Done():
		m.shutdown(&device.StreamError{Kind: device.KindSessionClosed})
	case <-ctx.Done():
	}
}

// shutdown ends every stream with err; the session is gone so nothing is unsubscribed
func (m *Multiplexer) shutdown(err *device.StreamError) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ups := m.upstreams
	m.upstreams = make(map[upstreamKey]*upstream)
	m.mu.Unlock()

	for _, u := range ups {
		u.cancel()
		for _, h := range u.drain() {
			terminal := *err
			terminal.UUID = h.uuid
			h.terminate(&terminal)
		}
	}
	m.logger.WithField("address", m.src.Address()).Info("Session closed, streams ended")
}

// Subscribe starts delivering values of the characteristic uuid.
//
// A notifiable characteristic is pushed by the peripheral unless opts.ForcePoll
// is set; a readable one is polled every opts.PollInterval. Handles asking for
// the same characteristic and mode share a single upstream.
func (m *Multiplexer) Subscribe(ctx context.Context, uuid string, opts Options) (*Handle, error) {
	ids, err := device.ValidateUUID(uuid)
	if err != nil {
		return nil, &device.IoError{Kind: device.KindNotFound, Op: "stream", UUID: uuid, Err: err}
	}
	id := ids[0]

	if m.isClosed() {
		return nil, &device.StreamError{Kind: device.KindSessionClosed, UUID: id}
	}

	c, err := m.characteristic(ctx, id)
	if err != nil {
		return nil, err
	}

	key := upstreamKey{uuid: id}
	switch {
	case c.Capabilities.Notifiable() && !opts.ForcePoll:
		key.mode = Notify
	case c.Capabilities.Readable():
		key.mode = Poll
		key.interval = opts.PollInterval
		if key.interval <= 0 {
			key.interval = DefaultOptions().PollInterval
		}
	default:
		return nil, &device.IoError{Kind: device.KindNotNotifiable, Op: "stream", UUID: id}
	}

	m.ctlMu.Lock()
	defer m.ctlMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	u := m.upstreams[key]
	m.mu.Unlock()
	if closed {
		return nil, &device.StreamError{Kind: device.KindSessionClosed, UUID: id}
	}

	fresh := u == nil
	if fresh {
		u, err = m.start(ctx, key)
		if err != nil {
			return nil, err
		}
	}

	// the handle joins under m.mu so shutdown either sees it or Subscribe sees closed
	h := newHandle(key, opts.Policy, opts.QueueSize, m.detach)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if fresh {
			u.cancel()
		}
		return nil, &device.StreamError{Kind: device.KindSessionClosed, UUID: id}
	}
	if fresh {
		m.upstreams[key] = u
	}
	u.add(h)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": m.src.Address(),
		"uuid":    id,
		"mode":    key.mode,
		"policy":  opts.Policy,
	}).Debug("Stream subscribed")
	return h, nil
}

func (m *Multiplexer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Multiplexer) characteristic(ctx context.Context, uuid string) (device.CharacteristicDescriptor, error) {
	if c, ok := m.src.Characteristic(uuid); ok {
		return c, nil
	}
	if _, err := m.src.DiscoverServices(ctx, false); err != nil {
		return device.CharacteristicDescriptor{}, err
	}
	c, ok := m.src.Characteristic(uuid)
	if !ok {
		return device.CharacteristicDescriptor{}, &device.IoError{Kind: device.KindNotFound, Op: "stream", UUID: uuid}
	}
	return c, nil
}

func (m *Multiplexer) start(ctx context.Context, key upstreamKey) (*upstream, error) {
	upCtx, cancel := context.WithCancel(m.ctx)
	u := &upstream{
		key:     key,
		cancel:  cancel,
		handles: make(map[*Handle]struct{}),
	}

	switch key.mode {
	case Notify:
		if err := m.src.SubscribeNotifications(ctx, key.uuid, u.publish); err != nil {
			cancel()
			return nil, err
		}
	case Poll:
		m.group.Go(upCtx, "stream-poll", func(ctx context.Context) {
			m.poll(ctx, u)
		})
	}

	m.logger.WithFields(logrus.Fields{
		"address":  m.src.Address(),
		"uuid":     key.uuid,
		"mode":     key.mode,
		"interval": key.interval,
	}).Info("Stream upstream started")
	return u, nil
}

// poll reads the characteristic at a fixed interval until ctx ends.
// Failed reads are logged and skipped; the loop only stops with its upstream or the session.
func (m *Multiplexer) poll(ctx context.Context, u *upstream) {
	ticker := time.NewTicker(u.key.interval)
	defer ticker.Stop()

	for {
		data, err := m.src.ReadCharacteristic(ctx, u.key.uuid)
		switch {
		case err == nil:
			u.publish(data)
		case ctx.Err() != nil:
			return
		case device.IsDisconnected(err):
			m.logger.WithField("uuid", u.key.uuid).Debug("Poll loop stopped, session is gone")
			return
		default:
			m.logger.WithFields(logrus.Fields{
				"address": m.src.Address(),
				"uuid":    u.key.uuid,
			}).WithError(err).Warn("Poll read failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// detach is called by Handle.Cancel
func (m *Multiplexer) detach(h *Handle) {
	m.ctlMu.Lock()
	defer m.ctlMu.Unlock()

	m.mu.Lock()
	u := m.upstreams[h.key]
	if u == nil {
		m.mu.Unlock()
		return
	}
	last := u.remove(h)
	if last {
		delete(m.upstreams, h.key)
	}
	m.mu.Unlock()

	if last {
		m.stop(u)
	}
}

func (m *Multiplexer) stop(u *upstream) {
	u.cancel()
	if u.key.mode != Notify {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := m.src.UnsubscribeNotifications(ctx, u.key.uuid); err != nil && !device.IsDisconnected(err) {
		m.logger.WithFields(logrus.Fields{
			"address": m.src.Address(),
			"uuid":    u.key.uuid,
		}).WithError(err).Warn("Failed to release notification upstream")
	}
}

// Active returns the number of running upstreams
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upstreams)
}

// Close cancels every handle, releases the upstreams and waits for the poll loops to exit.
// The session stays open.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	var handles []*Handle
	for _, u := range m.upstreams {
		u.mu.Lock()
		for h := range u.handles {
			handles = append(handles, h)
		}
		u.mu.Unlock()
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}

	m.cancel()
	m.group.Wait()
}
