package session_test

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/retry"
	"github.com/srg/gattmux/session"
)

func (s *SessionTestSuite) reconnectPolicy(maxRetries int) *retry.Policy {
	return &retry.Policy{
		MaxRetries: maxRetries,
		BaseDelay:  5 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   20 * time.Millisecond,
		Logger:     s.Logger,
	}
}

func (s *SessionTestSuite) TestReconnectorReopensAfterDrop() {
	r := session.NewReconnector(s.manager, kanoAddress, s.reconnectPolicy(5), s.Logger)

	var setups atomic.Int32
	ctx, cancel := context.WithCancel(s.Context())
	result := make(chan error, 1)
	go func() {
		result <- r.Run(ctx, func(ctx context.Context, sess *session.Session) error {
			err := sess.SubscribeNotifications(ctx, irUUID, func([]byte) {})
			setups.Add(1)
			return err
		})
	}()

	s.Eventually(func() bool { return setups.Load() == 1 }, time.Second, time.Millisecond)
	first := r.Current()
	s.Require().NotNil(first)

	s.Peripheral.DropConnection()
	s.Eventually(func() bool { return setups.Load() == 2 }, time.Second, time.Millisecond)
	s.Equal(1, r.Reconnects())
	s.NotSame(first, r.Current())
	s.Equal(device.StateConnected, r.Current().State())
	s.Equal(1, s.Peripheral.Subscribers(irUUID), "setup re-subscribed on the new link")

	cancel()
	s.NoError(<-result)
	s.Equal(device.StateDisconnected, r.Current().State())
}

func (s *SessionTestSuite) TestReconnectorRetriesUnreachablePeripheral() {
	s.reconfigure(func(o *session.Options) { o.ConnectTimeout = 20 * time.Millisecond })
	s.Peripheral.SetUnreachable(true)
	r := session.NewReconnector(s.manager, kanoAddress, s.reconnectPolicy(2), s.Logger)

	err := r.Run(s.Context(), nil)
	var exhausted *retry.ExhaustedError
	s.Require().ErrorAs(err, &exhausted)
	s.Equal(2, exhausted.Retries)
	s.ErrorIs(err, device.ErrConnectTimeout)
	s.EqualValues(3, s.Transport.ConnectCalls.Load())
}

func (s *SessionTestSuite) TestReconnectorStopsOnExplicitClose() {
	r := session.NewReconnector(s.manager, kanoAddress, nil, s.Logger)

	result := make(chan error, 1)
	go func() { result <- r.Run(s.Context(), nil) }()
	s.Eventually(func() bool { return r.Current() != nil }, time.Second, time.Millisecond)

	s.Require().NoError(r.Current().Close())
	select {
	case err := <-result:
		s.NoError(err)
	case <-time.After(time.Second):
		s.FailNow("reconnector kept running after an explicit close")
	}
	s.Equal(0, r.Reconnects())
}

func (s *SessionTestSuite) TestReconnectorSetupFailure() {
	r := session.NewReconnector(s.manager, kanoAddress, nil, s.Logger)

	err := r.Run(s.Context(), func(ctx context.Context, sess *session.Session) error {
		return sess.SubscribeNotifications(ctx, batteryUUID, func([]byte) {})
	})
	s.ErrorIs(err, device.ErrNotNotifiable)
	s.Equal(device.StateDisconnected, r.Current().State())
}
