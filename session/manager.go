package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/retry"
	"golang.org/x/sync/errgroup"
)

var (
	errEmptyAddress = errors.New("address cannot be empty")
	errDroppedEarly = errors.New("peripheral dropped the connection while opening")
)

// Manager opens sessions and keeps at most one open session per address
type Manager struct {
	transport device.Transport
	logger    *logrus.Logger
	opts      Options

	mu       sync.Mutex
	opening  map[string]struct{}
	sessions map[string]*Session
}

// NewManager creates a manager connecting through transport
func NewManager(transport device.Transport, logger *logrus.Logger, opts Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Retry != nil && opts.Retry.Logger == nil {
		p := *opts.Retry
		p.Logger = logger
		opts.Retry = &p
	}
	return &Manager{
		transport: transport,
		logger:    logger,
		opts:      opts,
		opening:   make(map[string]struct{}),
		sessions:  make(map[string]*Session),
	}
}

// Open connects to address and returns the new session.
//
// Only one open may be in flight per address (AlreadyConnecting) and an
// address with an open session is refused (AlreadyConnected). The connect
// attempt is bounded by Options.ConnectTimeout; cancelling ctx aborts it.
// With Options.RetryConnect transient connect failures are retried under Options.Retry.
func (m *Manager) Open(ctx context.Context, address string) (*Session, error) {
	return m.open(ctx, address, m.opts.RetryConnect)
}

func (m *Manager) open(ctx context.Context, address string, retryConnect bool) (*Session, error) {
	addr := device.NormalizeAddress(address)
	if addr == "" {
		return nil, &device.ConnectError{Kind: device.KindRefused, Err: errEmptyAddress}
	}

	m.mu.Lock()
	if _, busy := m.opening[addr]; busy {
		m.mu.Unlock()
		return nil, &device.ConnectError{Kind: device.KindAlreadyConnecting, Address: addr}
	}
	if _, open := m.sessions[addr]; open {
		m.mu.Unlock()
		return nil, &device.ConnectError{Kind: device.KindAlreadyConnected, Address: addr}
	}
	m.opening[addr] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.opening, addr)
		m.mu.Unlock()
	}()

	link, err := m.connect(ctx, addr, retryConnect)
	if err != nil {
		m.logger.WithField("address", addr).WithError(err).Error("Failed to connect")
		return nil, err
	}

	s := newSession(link, m.logger, m.opts, m.release)

	m.mu.Lock()
	registered := s.State() == device.StateConnected
	if registered {
		m.sessions[addr] = s
	}
	m.mu.Unlock()
	if !registered {
		_ = s.Close()
		return nil, &device.ConnectError{Kind: device.KindRefused, Address: addr, Err: errDroppedEarly}
	}

	if m.opts.DiscoverOnOpen {
		if _, err := s.DiscoverServices(ctx, false); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (m *Manager) connect(ctx context.Context, addr string, retryConnect bool) (device.Link, error) {
	attempt := func(ctx context.Context) (device.Link, error) {
		connectCtx, cancel := withTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()

		m.logger.WithFields(logrus.Fields{
			"address": addr,
			"timeout": m.opts.ConnectTimeout,
		}).Info("Connecting to BLE device...")

		link, err := m.transport.Connect(connectCtx, addr)
		if err != nil {
			return nil, connectError(ctx, connectCtx, addr, err)
		}
		return link, nil
	}

	if !retryConnect {
		return attempt(ctx)
	}
	link, _, err := retry.Value(ctx, m.opts.Retry, "connect "+addr, attempt)
	return link, err
}

// connectError pins the outcome of a connect attempt to the taxonomy.
// The caller's cancellation wins over the connect deadline.
func connectError(ctx, connectCtx context.Context, addr string, err error) error {
	switch {
	case ctx.Err() != nil:
		return &device.ConnectError{Kind: device.KindCancelled, Address: addr, Err: err}
	case errors.Is(connectCtx.Err(), context.DeadlineExceeded) && !device.IsKind(err, device.KindTimeout):
		return &device.ConnectError{Kind: device.KindTimeout, Address: addr, Err: err}
	}

	var ce *device.ConnectError
	if errors.As(err, &ce) {
		return err
	}
	kind := device.KindOf(err)
	if kind == "" {
		kind = device.KindRefused
	}
	return &device.ConnectError{Kind: kind, Address: addr, Err: err}
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.address] == s {
		delete(m.sessions, s.address)
	}
}

// Get returns the open session for address
func (m *Manager) Get(address string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[device.NormalizeAddress(address)]
	return s, ok
}

// Sessions returns the open sessions sorted by address
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.address, b.address) })
	return out
}

// Close closes the session for address if there is one
func (m *Manager) Close(address string) error {
	s, ok := m.Get(address)
	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll closes every open session concurrently and returns the first close error
func (m *Manager) CloseAll() error {
	var g errgroup.Group
	for _, s := range m.Sessions() {
		g.Go(s.Close)
	}
	return g.Wait()
}
