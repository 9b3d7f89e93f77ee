package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
	"github.com/stretchr/testify/suite"
)

// MockTransportSuite provides a reusable test suite backed by an in-memory transport.
//
// Basic usage (default Kano peripheral at AA:BB:CC:DD:EE:FF):
//
//	type SessionSuite struct {
//	    testutils.MockTransportSuite
//	}
//
//	func TestSessionSuite(t *testing.T) {
//	    suite.Run(t, new(SessionSuite))
//	}
//
// Custom device profile usage:
//
//	func (s *InspectSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.MockTransportSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockTransportSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	// PeripheralBuilder configures the default peripheral before SetupTest builds it
	PeripheralBuilder *PeripheralDeviceBuilder

	// Peripheral and Transport are rebuilt for every test
	Peripheral *FakePeripheral
	Transport  *FakeTransport

	advertisements []device.Advertisement
}

// SetupSuite initializes the helper and logger. Called once before all tests in the suite.
func (s *MockTransportSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second

	s.Logger.Debug("Suite setup completed")
}

// SetupTest builds the peripheral and the transport. Called before each test method.
func (s *MockTransportSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = KanoPeripheral("AA:BB:CC:DD:EE:FF", "Kano-001")
	}

	s.Peripheral = s.PeripheralBuilder.Build()
	s.Transport = NewFakeTransport(s.Peripheral).WithAdvertisements(s.advertisements...)

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest resets the builders after each test.
func (s *MockTransportSuite) TearDownTest() {
	s.PeripheralBuilder = nil
	s.advertisements = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration.
// Use this method to configure custom device profiles in the test setup.
func (s *MockTransportSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// WithAdvertisements adds advertisements replayed by every scan in addition to the peripheral's own.
func (s *MockTransportSuite) WithAdvertisements(advs ...device.Advertisement) {
	s.advertisements = append(s.advertisements, advs...)
}

// Context returns a context bounded by TestTimeout
func (s *MockTransportSuite) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}
