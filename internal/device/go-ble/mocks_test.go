package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// mockClient overrides the ble.Client methods the link uses; the embedded
// interface is nil, so any other call panics and flags an unexpected dependency.
type mockClient struct {
	ble.Client
	mock.Mock

	dropped chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{dropped: make(chan struct{})}
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.dropped
}

type mockDevice struct {
	ble.Device
	mock.Mock
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

func (m *mockDevice) Stop() error {
	return m.Called().Error(0)
}

type stubAdv struct {
	ble.Advertisement
	name string
	addr ble.Addr
	rssi int
}

func (a stubAdv) LocalName() string        { return a.name }
func (a stubAdv) Addr() ble.Addr           { return a.addr }
func (a stubAdv) RSSI() int                { return a.rssi }
func (a stubAdv) Services() []ble.UUID     { return []ble.UUID{ble.MustParse("180f")} }
func (a stubAdv) ManufacturerData() []byte { return []byte{0x01} }
func (a stubAdv) Connectable() bool        { return true }
func (a stubAdv) TxPowerLevel() int        { return 4 }
