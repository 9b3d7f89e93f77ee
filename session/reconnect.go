package session

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/retry"
)

// SetupFunc prepares a freshly opened session, e.g. re-subscribes streams.
// An error ends the reconnect loop.
type SetupFunc func(ctx context.Context, s *Session) error

// Reconnector keeps a session to one peripheral open and re-opens it with
// exponential backoff after the peripheral drops the link.
type Reconnector struct {
	manager *Manager
	address string
	policy  *retry.Policy
	logger  *logrus.Logger

	current    atomic.Pointer[Session]
	reconnects atomic.Int64
}

// NewReconnector creates a reconnector; a nil policy uses retry.DefaultPolicy
func NewReconnector(manager *Manager, address string, policy *retry.Policy, logger *logrus.Logger) *Reconnector {
	if logger == nil {
		logger = logrus.New()
	}
	if policy == nil {
		policy = retry.DefaultPolicy()
	}

	p := *policy
	p.Classify = reopenable
	if p.Logger == nil {
		p.Logger = logger
	}

	return &Reconnector{
		manager: manager,
		address: device.NormalizeAddress(address),
		policy:  &p,
		logger:  logger,
	}
}

// reopenable reports which open failures are worth another attempt
func reopenable(err error) bool {
	switch device.KindOf(err) {
	case device.KindTimeout, device.KindRefused, device.KindTransportBusy, device.KindDisconnected:
		return true
	default:
		return false
	}
}

// Current returns the session opened last, possibly already closed
func (r *Reconnector) Current() *Session {
	return r.current.Load()
}

// Reconnects counts how many times the link was re-opened after a drop
func (r *Reconnector) Reconnects() int {
	return int(r.reconnects.Load())
}

// Run opens the session, runs setup on it and waits. When the peripheral drops
// the link the session is re-opened and set up again.
//
// Run returns nil when ctx ends (closing the session) or when the session is
// closed explicitly. It returns the open error once the policy gives up, or
// the setup error.
func (r *Reconnector) Run(ctx context.Context, setup SetupFunc) error {
	for {
		// the reconnect policy is the only retry loop around the connect attempt
		s, retries, err := retry.Value(ctx, r.policy, "reconnect "+r.address, func(ctx context.Context) (*Session, error) {
			return r.manager.open(ctx, r.address, false)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WithField("address", r.address).WithError(err).Error("Reconnect gave up")
			return err
		}
		r.current.Store(s)
		r.logger.WithFields(logrus.Fields{
			"address": r.address,
			"retries": retries,
		}).Info("Session established")

		if setup != nil {
			if err := setup(ctx, s); err != nil {
				_ = s.Close()
				return err
			}
		}

		select {
		case <-ctx.Done():
			return s.Close()
		case <-s.Done():
		}

		if s.Err() == nil {
			return nil
		}
		r.reconnects.Add(1)
		r.logger.WithField("address", r.address).WithError(s.Err()).Warn("BLE connection lost, reconnecting")
	}
}
