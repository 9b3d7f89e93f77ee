package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const irSensorUUID = "11a70201-f691-4b93-a6f4-0968f5b648f8"

type LinkTestSuite struct {
	suite.Suite

	logger  *logrus.Logger
	client  *mockClient
	link    *Link
	profile *ble.Profile

	battery  *ble.Characteristic
	irSensor *ble.Characteristic
	control  *ble.Characteristic
	alert    *ble.Characteristic
}

func (s *LinkTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.PanicLevel)

	s.battery = &ble.Characteristic{UUID: ble.MustParse("2a19"), Property: ble.CharRead | ble.CharNotify}
	s.irSensor = &ble.Characteristic{UUID: ble.MustParse(irSensorUUID), Property: ble.CharRead}
	s.control = &ble.Characteristic{UUID: ble.MustParse("11a70301-f691-4b93-a6f4-0968f5b648f8"), Property: ble.CharWrite | ble.CharWriteNR}
	s.alert = &ble.Characteristic{UUID: ble.MustParse("2a06"), Property: ble.CharIndicate}

	s.profile = &ble.Profile{Services: []*ble.Service{
		{UUID: ble.MustParse("180f"), Characteristics: []*ble.Characteristic{s.battery}},
		{UUID: ble.MustParse("11a70200-f691-4b93-a6f4-0968f5b648f8"), Characteristics: []*ble.Characteristic{s.irSensor, s.control, s.alert}},
	}}

	s.client = newMockClient()
	s.link = NewLink("AA:BB:CC:DD:EE:FF", s.client, s.logger)
}

func (s *LinkTestSuite) discover() []device.ServiceDescriptor {
	s.client.On("DiscoverProfile", true).Return(s.profile, nil).Once()
	services, err := s.link.DiscoverServices(context.Background())
	s.Require().NoError(err)
	return services
}

func (s *LinkTestSuite) TestDiscoverServices() {
	services := s.discover()

	s.Require().Len(services, 2)
	s.Equal("180f", services[0].UUID)
	s.Equal([]device.CharacteristicDescriptor{
		{UUID: "2a19", ServiceUUID: "180f", Capabilities: device.CapRead | device.CapNotify},
	}, services[0].Characteristics)

	ir := services[1].Characteristics[0]
	s.Equal("11a70201f6914b93a6f40968f5b648f8", ir.UUID)
	s.True(ir.Capabilities.Readable())
	s.True(services[1].Characteristics[1].Capabilities.Has(device.CapWrite | device.CapWriteWithoutResponse))
}

func (s *LinkTestSuite) TestDiscoverServices_Errors() {
	s.Run("remote drop maps to Disconnected", func() {
		s.client.On("DiscoverProfile", true).Return(nil, errors.New("device not connected")).Once()
		_, err := s.link.DiscoverServices(context.Background())
		s.ErrorIs(err, device.ErrDiscoverDisconnected)
	})

	s.Run("deadline maps to Timeout", func() {
		release := make(chan struct{})
		s.client.On("DiscoverProfile", true).Run(func(mock.Arguments) { <-release }).Return(s.profile, nil).Once()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := s.link.DiscoverServices(ctx)
		close(release)
		s.ErrorIs(err, device.ErrDiscoverTimeout)
	})
}

func (s *LinkTestSuite) TestRead() {
	s.discover()

	s.Run("returns a copy of the value", func() {
		value := []byte{10, 20, 30, 255}
		s.client.On("ReadCharacteristic", s.irSensor).Return(value, nil).Once()

		got, err := s.link.Read(context.Background(), device.NormalizeUUID(irSensorUUID))
		s.Require().NoError(err)
		s.Equal([]byte{10, 20, 30, 255}, got)

		value[0] = 99
		s.Equal(byte(10), got[0])
	})

	s.Run("undiscovered characteristic is NotFound", func() {
		_, err := s.link.Read(context.Background(), "dead")
		s.ErrorIs(err, device.ErrNotFound)
	})

	s.Run("platform timeout is transient", func() {
		s.client.On("ReadCharacteristic", s.battery).Return(nil, errors.New("operation timed out")).Once()
		_, err := s.link.Read(context.Background(), "2a19")
		s.ErrorIs(err, device.ErrTimeout)
		s.True(device.IsTransient(err))
	})

	s.Run("caller cancellation is Cancelled", func() {
		release := make(chan struct{})
		s.client.On("ReadCharacteristic", s.battery).Run(func(mock.Arguments) { <-release }).Return([]byte{1}, nil).Once()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := s.link.Read(ctx, "2a19")
		s.ErrorIs(err, device.ErrCancelled)

		// the abandoned radio call still holds the transport
		busyCtx, busyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer busyCancel()
		_, err = s.link.Read(busyCtx, "2a19")
		s.ErrorIs(err, device.ErrTransportBusy)

		close(release)
		s.Eventually(func() bool { return len(s.link.sem) == 0 }, time.Second, 5*time.Millisecond)
	})
}

func (s *LinkTestSuite) TestWrite() {
	s.discover()
	uuid := device.NormalizeUUID("11a70301-f691-4b93-a6f4-0968f5b648f8")

	s.client.On("WriteCharacteristic", s.control, []byte{0xFF, 0xFF}, false).Return(nil).Once()
	s.NoError(s.link.Write(context.Background(), uuid, []byte{0xFF, 0xFF}, true))

	s.client.On("WriteCharacteristic", s.control, []byte{0x01}, true).Return(nil).Once()
	s.NoError(s.link.Write(context.Background(), uuid, []byte{0x01}, false))

	s.client.On("WriteCharacteristic", s.control, []byte{0x02}, false).Return(errors.New("write not permitted")).Once()
	err := s.link.Write(context.Background(), uuid, []byte{0x02}, true)
	s.ErrorIs(err, device.ErrNotWritable)

	s.client.AssertExpectations(s.T())
}

func (s *LinkTestSuite) TestSubscribe() {
	s.discover()

	s.Run("notify characteristic uses notifications", func() {
		var handler ble.NotificationHandler
		s.client.On("Subscribe", s.battery, false, mock.Anything).
			Run(func(args mock.Arguments) { handler = args.Get(2).(ble.NotificationHandler) }).
			Return(nil).Once()

		got := make(chan []byte, 1)
		s.Require().NoError(s.link.Subscribe(context.Background(), "2a19", func(b []byte) { got <- b }))

		handler([]byte{42})
		s.Equal([]byte{42}, <-got)
	})

	s.Run("indicate-only characteristic uses indications", func() {
		s.client.On("Subscribe", s.alert, true, mock.Anything).Return(nil).Once()
		s.NoError(s.link.Subscribe(context.Background(), "2a06", func([]byte) {}))

		s.client.On("Unsubscribe", s.alert, true).Return(nil).Once()
		s.NoError(s.link.Unsubscribe(context.Background(), "2a06"))
	})

	s.Run("read-only characteristic is NotNotifiable", func() {
		err := s.link.Subscribe(context.Background(), device.NormalizeUUID(irSensorUUID), func([]byte) {})
		s.ErrorIs(err, device.ErrNotNotifiable)
	})
}

func (s *LinkTestSuite) TestDisconnect() {
	s.discover()
	s.client.On("CancelConnection").Return(nil).Once()

	s.NoError(s.link.Disconnect())
	s.NoError(s.link.Disconnect())

	select {
	case <-s.link.Disconnected():
	default:
		s.Fail("Disconnected channel must be closed")
	}

	_, err := s.link.Read(context.Background(), "2a19")
	s.ErrorIs(err, device.ErrDisconnected)
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
}

func (s *LinkTestSuite) TestRemoteDrop() {
	s.discover()
	close(s.client.dropped)

	s.Eventually(func() bool {
		select {
		case <-s.link.Disconnected():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	s.NoError(s.link.Disconnect(), "no CancelConnection after remote drop")
	s.client.AssertNotCalled(s.T(), "CancelConnection")
}

func TestLinkTestSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}
