package registry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/testutils"
	"github.com/srg/gattmux/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	testutils.MockTransportSuite

	registry *registry.Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.WithAdvertisements(
		testutils.CreateMockAdvertisement("Kano-002", "11:22:33:44:55:66", -67).WithServices("180F").Build(),
		testutils.CreateMockAdvertisement("Thermometer", "99:88:77:66:55:44", -80).Build(),
		testutils.CreateMockAdvertisement("", "00:11:22:33:44:55", -90).Build(),
	)
	s.MockTransportSuite.SetupTest()

	s.registry = registry.New(s.Transport, s.Logger, registry.DefaultOptions())
}

func (s *RegistryTestSuite) addresses(records []device.DeviceRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Address)
	}
	return out
}

func (s *RegistryTestSuite) TestScanFindsKanoAndLookupReturnsIt() {
	records, err := s.registry.Collect(s.Context(), registry.NamePrefix("Kano"), 100*time.Millisecond)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66"}, s.addresses(records))

	rec, ok := s.registry.Lookup("aa:bb:cc:dd:ee:ff")
	s.Require().True(ok)
	s.Equal("Kano-001", rec.Name)
	s.False(rec.LastSeen.IsZero())

	_, ok = s.registry.Lookup("99:88:77:66:55:44")
	s.False(ok, "filtered devices are not part of the snapshot")
}

func (s *RegistryTestSuite) TestScanReturnsWithinDuration() {
	const d = 150 * time.Millisecond

	start := time.Now()
	_, err := s.registry.Collect(s.Context(), registry.Any(), d)
	elapsed := time.Since(start)

	s.Require().NoError(err)
	s.GreaterOrEqual(elapsed, d)
	s.Less(elapsed, d+500*time.Millisecond)
}

func (s *RegistryTestSuite) TestZeroDurationReturnsAtOnce() {
	_, err := s.registry.Collect(s.Context(), registry.Any(), time.Second)
	s.Require().NoError(err)
	s.Require().NotEmpty(s.registry.Records())

	result := make(chan error, 1)
	go func() {
		records, err := s.registry.Collect(context.Background(), registry.Any(), 0)
		s.Empty(records)
		result <- err
	}()

	select {
	case err := <-result:
		s.NoError(err)
	case <-time.After(time.Second):
		s.FailNow("scan with a zero duration did not return")
	}
	s.Empty(s.registry.Records(), "a zero duration scan commits an empty snapshot")
	s.EqualValues(1, s.Transport.ScanCalls.Load(), "the radio is not used")
}

func (s *RegistryTestSuite) TestNegativeDurationScansUntilCancelled() {
	ctx, cancel := context.WithTimeout(s.Context(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	records, err := s.registry.Collect(ctx, registry.NamePrefix("Kano"), -1)
	s.NoError(err)
	s.Len(records, 2)
	s.GreaterOrEqual(time.Since(start), 80*time.Millisecond)
}

func (s *RegistryTestSuite) TestNextScanWaitsForTransportToStop() {
	slow := &unwindingTransport{Transport: s.Transport, unwind: 60 * time.Millisecond}
	reg := registry.New(slow, s.Logger, registry.DefaultOptions())

	for range 3 {
		_, err := reg.Collect(s.Context(), registry.Any(), 20*time.Millisecond)
		s.Require().NoError(err)
	}
	s.EqualValues(1, slow.maxActive.Load(), "radio scans never overlap")
	s.EqualValues(0, slow.active.Load())
}

func (s *RegistryTestSuite) TestStuckTransportKeepsRegistryBusy() {
	slow := &unwindingTransport{Transport: s.Transport, unwind: time.Second}
	reg := registry.New(slow, s.Logger, registry.DefaultOptions())

	start := time.Now()
	_, err := reg.Collect(s.Context(), registry.Any(), 20*time.Millisecond)
	s.Require().NoError(err)
	s.Less(time.Since(start), 600*time.Millisecond, "the scan returns after a bounded grace period")

	_, err = reg.Collect(s.Context(), registry.Any(), 20*time.Millisecond)
	s.ErrorIs(err, registry.ErrScanInProgress)

	s.Eventually(func() bool {
		_, err := reg.Collect(s.Context(), registry.Any(), 0)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func (s *RegistryTestSuite) TestScanHonorsCancellation() {
	ctx, cancel := context.WithCancel(s.Context())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.registry.Collect(ctx, registry.Any(), time.Hour)
	s.NoError(err)
	s.Less(time.Since(start), time.Second)
}

func (s *RegistryTestSuite) TestZeroMatchesIsNotAnError() {
	records, err := s.registry.Collect(s.Context(), registry.NamePrefix("Nope"), 50*time.Millisecond)
	s.NoError(err)
	s.Empty(records)
	s.Empty(s.registry.Records())
}

func (s *RegistryTestSuite) TestDeduplicatesByAddress() {
	addr := "DE:AD:BE:EF:00:01"
	s.Transport.WithAdvertisements(
		testutils.CreateMockAdvertisement("Kano-old", addr, -70).Build(),
		testutils.CreateMockAdvertisement("", addr, -60).Build(),
		testutils.CreateMockAdvertisement("Kano-new", addr, -50).Build(),
	)
	s.Transport.SetAdvertisementInterval(5 * time.Millisecond)

	var first device.DeviceRecord
	count := 0
	for rec, err := range s.registry.Scan(s.Context(), registry.NamePrefix("Kano"), 300*time.Millisecond) {
		s.Require().NoError(err)
		if rec.Address == addr {
			first = rec
			count++
		}
	}
	s.Equal(1, count, "an address is yielded once")
	s.Equal("Kano-old", first.Name)

	rec, ok := s.registry.Lookup(addr)
	s.Require().True(ok)
	s.Equal("Kano-new", rec.Name, "most recent name wins")
	s.Equal(-50, rec.RSSI)
	s.True(rec.LastSeen.After(first.LastSeen), "most recent timestamp wins")
}

func (s *RegistryTestSuite) TestEmptyNameDoesNotEraseKnownName() {
	addr := "DE:AD:BE:EF:00:02"
	s.Transport.WithAdvertisements(
		testutils.CreateMockAdvertisement("Sensor", addr, -70).Build(),
		testutils.CreateMockAdvertisement("", addr, -60).Build(),
	)

	_, err := s.registry.Collect(s.Context(), registry.Any(), 50*time.Millisecond)
	s.Require().NoError(err)

	rec, ok := s.registry.Lookup(addr)
	s.Require().True(ok)
	s.Equal("Sensor", rec.Name)
	s.Equal(-60, rec.RSSI)
}

func (s *RegistryTestSuite) TestMatchesExposesEveryMatchSorted() {
	_, err := s.registry.Collect(s.Context(), registry.Any(), 50*time.Millisecond)
	s.Require().NoError(err)

	matches := s.registry.Matches(registry.NamePrefix("Kano"))
	s.Equal([]string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66"}, s.addresses(matches))

	all := s.registry.Records()
	s.Len(all, 4)
	s.Equal("", all[0].Name, "anonymous devices sort first")
	s.False(s.registry.LastScan().IsZero())
}

func (s *RegistryTestSuite) TestEarlyStopCommitsSnapshot() {
	for rec, err := range s.registry.Scan(s.Context(), registry.Address("99:88:77:66:55:44"), time.Hour) {
		s.Require().NoError(err)
		s.Equal("Thermometer", rec.Name)
		break
	}

	rec, ok := s.registry.Lookup("99:88:77:66:55:44")
	s.True(ok)
	s.Equal("Thermometer", rec.Name)
}

func (s *RegistryTestSuite) TestScanAbortedByTransport() {
	s.Transport.FailScan(errors.New("hci0: bluetooth is turned off"))

	records, err := s.registry.Collect(s.Context(), registry.Any(), time.Second)
	s.ErrorIs(err, device.ErrScanAborted)
	s.Len(records, 4, "records found before the failure are still yielded")
	s.Contains(err.Error(), "scan aborted")
}

func (s *RegistryTestSuite) TestConcurrentScanIsRejected() {
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range s.registry.Scan(s.Context(), registry.Any(), 200*time.Millisecond) {
			select {
			case <-started:
			default:
				close(started)
			}
		}
	}()
	<-started

	_, err := s.registry.Collect(s.Context(), registry.Any(), 10*time.Millisecond)
	s.ErrorIs(err, registry.ErrScanInProgress)
	<-done
}

func (s *RegistryTestSuite) TestEventsAndHistory() {
	_, err := s.registry.Collect(s.Context(), registry.NamePrefix("Kano"), 50*time.Millisecond)
	s.Require().NoError(err)

	var events []registry.Event
	for len(events) < 2 {
		select {
		case ev := <-s.registry.Events():
			events = append(events, ev)
		case <-time.After(time.Second):
			s.FailNow("missing scan events")
		}
	}
	for _, ev := range events {
		s.Equal(registry.EventNew, ev.Type)
	}

	history := s.registry.History()
	s.Len(history, 4, "history keeps filtered sightings too")
	s.Empty(s.registry.History(), "history is drained on read")
}

// unwindingTransport keeps scanning for a while after its context is done
type unwindingTransport struct {
	device.Transport
	unwind time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (t *unwindingTransport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	cur := t.active.Add(1)
	defer t.active.Add(-1)
	for {
		prev := t.maxActive.Load()
		if cur <= prev || t.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}

	err := t.Transport.Scan(ctx, allowDup, handler)
	time.Sleep(t.unwind)
	return err
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func TestFilters(t *testing.T) {
	named := device.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF", Name: "Kano-001", Services: []string{"180f"}}
	anonymous := device.DeviceRecord{Address: "11:22:33:44:55:66"}

	assert.True(t, registry.Any()(anonymous))
	assert.True(t, registry.NamePrefix("Kano")(named))
	assert.False(t, registry.NamePrefix("Kano")(anonymous))
	assert.True(t, registry.NamePrefix("")(anonymous))
	assert.True(t, registry.HasService("0x180F")(named))
	assert.False(t, registry.HasService("180d")(named))
	assert.True(t, registry.Address("aa:bb:cc:dd:ee:ff")(named))
	assert.False(t, registry.Not(registry.Address("aa:bb:cc:dd:ee:ff"))(named))
	assert.True(t, registry.And(registry.NamePrefix("Kano"), nil, registry.HasService("180f"))(named))
	assert.False(t, registry.And(registry.NamePrefix("Kano"), registry.HasService("180d"))(named))
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "new", registry.EventNew.String())
	assert.Equal(t, "updated", registry.EventUpdated.String())
}
