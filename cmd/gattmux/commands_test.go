package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/srg/gattmux/inspector"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func (s *CommandsTestSuite) SetupTest() {
	s.WithAdvertisements(
		testutils.CreateMockAdvertisement("Thermometer", "99:88:77:66:55:44", -70).Build(),
		testutils.CreateMockAdvertisement("Kano-002", "11:22:33:44:55:66", -60).WithServices("180f").Build(),
	)
	s.CommandTestSuite.SetupTest()
}

func (s *CommandsTestSuite) TestScanListsPrefixMatchesSorted() {
	out, _, err := s.ExecuteCommand("scan", "--duration", quickScanArg)
	s.Require().NoError(err)

	s.Contains(out, "NAME")
	s.Contains(out, "Kano-001")
	s.Contains(out, kitAddress)
	s.NotContains(out, "Thermometer")
	s.Less(strings.Index(out, "Kano-001"), strings.Index(out, "Kano-002"), "sorted by name")
}

func (s *CommandsTestSuite) TestScanAllAsJSON() {
	out, _, err := s.ExecuteCommand("scan", "--duration", quickScanArg, "--all", "--format", "json")
	s.Require().NoError(err)

	var records []device.DeviceRecord
	s.Require().NoError(json.Unmarshal([]byte(out), &records))
	s.Len(records, 3)
	s.Equal("Kano-001", records[0].Name)
	s.Equal("Thermometer", records[2].Name)
}

func (s *CommandsTestSuite) TestScanByService() {
	out, _, err := s.ExecuteCommand("scan", "--duration", quickScanArg, "--all", "--service", "180F", "--format", "json")
	s.Require().NoError(err)

	var records []device.DeviceRecord
	s.Require().NoError(json.Unmarshal([]byte(out), &records))
	s.Require().Len(records, 2, "the Kano profile and Kano-002 both carry 180f")
}

func (s *CommandsTestSuite) TestScanNoMatches() {
	out, _, err := s.ExecuteCommand("scan", "--duration", quickScanArg, "--prefix", "Nope")
	s.Require().NoError(err)
	s.Contains(out, "No devices discovered")
}

func (s *CommandsTestSuite) TestScanRejectsBadInput() {
	_, _, err := s.ExecuteCommand("scan", "--format", "xml")
	s.ErrorContains(err, "invalid format")

	_, _, err = s.ExecuteCommand("scan", "--service", "not-a-uuid!")
	s.ErrorContains(err, "invalid service UUID")
	s.EqualValues(0, s.Transport.ScanCalls.Load())
}

func (s *CommandsTestSuite) TestInspect() {
	out, _, err := s.ExecuteCommand("inspect", kitAddress)
	s.Require().NoError(err)

	s.Contains(out, "Device: "+kitAddress)
	s.Contains(out, "Service: 11a70200-f691-4b93-a6f4-0968f5b648f8")
	s.Contains(out, "Characteristic: 2a19  [read]")
	s.Contains(out, "Value: 57")
	s.Equal(0, s.Peripheral.ActiveLinks(), "session closed after inspect")
}

func (s *CommandsTestSuite) TestInspectJSON() {
	out, _, err := s.ExecuteCommand("inspect", kitAddress, "--json", "--read-limit", "0")
	s.Require().NoError(err)

	var report inspector.Report
	s.Require().NoError(json.Unmarshal([]byte(out), &report))
	s.Len(report.Services, 3)
	s.EqualValues(0, s.Peripheral.Reads.Load())
}

func (s *CommandsTestSuite) TestInspectUnknownDevice() {
	ctx := s.ContextFor(200 * time.Millisecond)

	_, _, err := s.ExecuteCommandContext(ctx, "inspect", "01:02:03:04:05:06")
	s.Error(err)
}

func (s *CommandsTestSuite) TestReadHex() {
	out, _, err := s.ExecuteCommand("read", kitAddress, batteryUUID, "--hex")
	s.Require().NoError(err)
	s.Equal("57\n", out)
}

func (s *CommandsTestSuite) TestReadRaw() {
	out, _, err := s.ExecuteCommand("read", kitAddress, batteryUUID)
	s.Require().NoError(err)
	s.Equal("\x57", out)
}

func (s *CommandsTestSuite) TestReadUnknownCharacteristic() {
	_, _, err := s.ExecuteCommand("read", kitAddress, "1234")
	s.ErrorIs(err, device.ErrNotFound)
	s.Contains(FormatUserError(err), "hint:")
}

func (s *CommandsTestSuite) TestReadWatch() {
	ctx := s.ContextFor(150 * time.Millisecond)

	out, stderr, err := s.ExecuteCommandContext(ctx, "read", kitAddress, batteryUUID, "--hex", "--watch", "20ms")
	s.Require().NoError(err, "the end of the context stops the watch quietly")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.GreaterOrEqual(len(lines), 2)
	for _, l := range lines {
		s.Equal("57", l)
	}
	s.Contains(stderr, "Watching")
}

func (s *CommandsTestSuite) TestWriteWithReadBack() {
	out, _, err := s.ExecuteCommand("write", kitAddress, echoUUID, "01 02", "--read-back")
	s.Require().NoError(err)

	s.Equal("array: [1 2]\narray: [1 2]\n", out)
	s.Equal([][]byte{{1, 2}}, s.Peripheral.Written(echoUUID))
}

func (s *CommandsTestSuite) TestWriteWithoutResponseFallsBack() {
	_, _, err := s.ExecuteCommand("write", kitAddress, echoUUID, "ff", "--without-response")
	s.Require().NoError(err)
	s.Equal([][]byte{{0xff}}, s.Peripheral.Written(echoUUID))
}

func (s *CommandsTestSuite) TestWriteRejectsBadHex() {
	_, _, err := s.ExecuteCommand("write", kitAddress, echoUUID, "zz")
	s.ErrorContains(err, "failed to parse data")
	s.EqualValues(0, s.Peripheral.Connects.Load())
}

func (s *CommandsTestSuite) TestWriteNotWritable() {
	_, _, err := s.ExecuteCommand("write", kitAddress, batteryUUID, "01")
	s.ErrorIs(err, device.ErrNotWritable)
}

func (s *CommandsTestSuite) TestStreamPolledIR() {
	s.Peripheral.SetValue(kanoIRCharacteristic, []byte{1, 22, 133, 255})

	out, _, err := s.ExecuteCommand("stream", kitAddress, "--poll", "--interval", "5ms", "--count", "3", "--format", "ir")
	s.Require().NoError(err)

	s.Equal(strings.Repeat("IR Array: N001-E022-S133-W255\n", 3), out)
	s.Equal(0, s.Peripheral.ActiveLinks())
}

func (s *CommandsTestSuite) TestStreamNotifications() {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for i := byte(1); ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Peripheral.Notify(kanoIRCharacteristic, []byte{i, i, i, i})
			}
		}
	}()

	out, _, err := s.ExecuteCommand("stream", kitAddress, "--count", "2", "--format", "bytes")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.Len(lines, 2)
	for _, l := range lines {
		s.Regexp(`^\[\d+ \d+ \d+ \d+\]$`, l)
	}
	s.Equal(0, s.Peripheral.Subscribers(kanoIRCharacteristic))
}

func (s *CommandsTestSuite) TestStreamSeveralCharacteristics() {
	out, _, err := s.ExecuteCommand("stream", kitAddress, batteryUUID, kanoIRCharacteristic,
		"--poll", "--interval", "5ms", "--count", "2")
	s.Require().NoError(err)

	s.Equal(2, strings.Count(out, "2a19: 57\n"))
	s.Equal(2, strings.Count(out, "11a70201: 00000000\n"))
}

func (s *CommandsTestSuite) TestStreamRaw() {
	ctx := s.ContextFor(100 * time.Millisecond)

	out, _, err := s.ExecuteCommandContext(ctx, "stream", kitAddress, batteryUUID, "--interval", "5ms", "--format", "raw")
	s.Require().NoError(err)

	s.NotEmpty(out)
	s.Equal(strings.Repeat("\x57", len(out)), out)
}

func (s *CommandsTestSuite) TestStreamRejectsBadInput() {
	_, _, err := s.ExecuteCommand("stream", kitAddress, "--mode", "newest")
	s.ErrorContains(err, "unknown delivery policy")

	_, _, err = s.ExecuteCommand("stream", kitAddress, "--format", "xml")
	s.ErrorContains(err, "invalid format")

	_, _, err = s.ExecuteCommand("stream", kitAddress, batteryUUID, echoUUID, "--format", "raw")
	s.ErrorContains(err, "single characteristic")
	s.EqualValues(0, s.Peripheral.Connects.Load())
}

func (s *CommandsTestSuite) TestStreamUnknownCharacteristic() {
	_, _, err := s.ExecuteCommand("stream", kitAddress, "--poll", "--count", "1", "2a00")
	s.ErrorIs(err, device.ErrNotFound)
}

func (s *CommandsTestSuite) TestBlast() {
	out, _, err := s.ExecuteCommand("blast", kitAddress, "--count", "3")
	s.Require().NoError(err)

	s.Equal("array: [1]\narray: [2]\narray: [3]\n", out)
	s.Equal([][]byte{{1}, {2}, {3}}, s.Peripheral.Written(kanoBlastCharacteristic))
}

func (s *CommandsTestSuite) TestBlastReadBackContinuesFromReadValue() {
	s.Peripheral.SetEcho(false)
	s.Peripheral.SetValue(kanoBlastCharacteristic, []byte{41})

	out, _, err := s.ExecuteCommand("blast", kitAddress, "--count", "2", "--read-back")
	s.Require().NoError(err)

	s.Equal("array: [1]\narray: [41]\narray: [42]\narray: [41]\n", out)
	s.Equal([][]byte{{1}, {42}}, s.Peripheral.Written(kanoBlastCharacteristic))
}

func (s *CommandsTestSuite) TestBlastWrapsAround() {
	out, _, err := s.ExecuteCommand("blast", kitAddress, "--count", "257")
	s.Require().NoError(err)

	written := s.Peripheral.Written(kanoBlastCharacteristic)
	s.Require().Len(written, 257)
	s.Equal([]byte{255}, written[254])
	s.Equal([]byte{0}, written[255])
	s.Equal([]byte{1}, written[256])
	s.Contains(out, "array: [0]\n")
}

func (s *CommandsTestSuite) TestKanoFindsDeviceAndStreamsIR() {
	s.Peripheral.SetValue(kanoIRCharacteristic, []byte{10, 20, 30, 40})

	out, stderr, err := s.ExecuteCommand("kano", "--duration", quickScanArg, "--poll", "--count", "2")
	s.Require().NoError(err)

	s.Contains(out, "Scanning for BLE devices...")
	s.Contains(out, "Device: Kano-001, Address: "+kitAddress)
	s.Contains(out, "Connected to "+kitAddress+" successfully!")
	s.GreaterOrEqual(strings.Count(out, "IR Array: N010-E020-S030-W040\n"), 2)
	s.Contains(stderr, "2 devices match")
	s.Contains(stderr, "also found: Kano-002 11:22:33:44:55:66")
	s.Equal(0, s.Peripheral.ActiveLinks())
}

func (s *CommandsTestSuite) TestKanoNothingFound() {
	out, _, err := s.ExecuteCommand("kano", "--duration", quickScanArg, "--prefix", "Nope")
	s.ErrorIs(err, ErrNoDevice)
	s.Contains(out, "No Nope devices found..... is it on?")
	s.EqualValues(0, s.Transport.ConnectCalls.Load())
}

func (s *CommandsTestSuite) TestKanoWithoutReconnect() {
	out, _, err := s.ExecuteCommand("kano", "--address", kitAddress, "--no-reconnect", "--poll", "--count", "1")
	s.Require().NoError(err)

	s.Equal("Connected to "+kitAddress+" successfully!\nIR Array: N000-E000-S000-W000\n", out)
	s.EqualValues(0, s.Transport.ScanCalls.Load())
}

func (s *CommandsTestSuite) TestKanoReconnectsAfterDrop() {
	ctx := s.Context()
	go func() {
		for s.Peripheral.Reads.Load() < 2 {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
		s.Peripheral.DropConnection()
	}()

	out, _, err := s.ExecuteCommandContext(ctx, "kano", "--address", kitAddress, "--poll", "--count", "6")
	s.Require().NoError(err)

	s.Equal(2, strings.Count(out, "successfully!"), "re-opened once after the drop")
	s.GreaterOrEqual(strings.Count(out, "IR Array:"), 6)
}

func (s *CommandsTestSuite) TestInvalidLogLevel() {
	_, _, err := s.ExecuteCommand("read", kitAddress, batteryUUID, "--log-level", "loud")
	s.ErrorContains(err, "invalid log level")
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}
