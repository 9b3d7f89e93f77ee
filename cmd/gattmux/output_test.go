package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/pkg/config"
	"github.com/srg/gattmux/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestParseHexData(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr string
	}{
		{name: "plain", in: "0102ff", want: []byte{1, 2, 0xff}},
		{name: "spaces", in: " 01 02 ", want: []byte{1, 2}},
		{name: "colons", in: "AA:bb:0c", want: []byte{0xaa, 0xbb, 0x0c}},
		{name: "dashes", in: "01-02", want: []byte{1, 2}},
		{name: "prefix", in: "0x1f", want: []byte{0x1f}},
		{name: "empty", in: "  ", wantErr: "empty data"},
		{name: "odd length", in: "123", wantErr: "invalid hex data"},
		{name: "not hex", in: "zz", wantErr: "invalid hex data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHexData(tt.in)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatIR(t *testing.T) {
	line, err := formatIR([]byte{0, 7, 128, 255})
	require.NoError(t, err)
	assert.Equal(t, "IR Array: N000-E007-S128-W255", line)

	line, err = formatIR([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, "IR Array: N001-E002-S003-W004", line, "extra bytes are ignored")

	_, err = formatIR([]byte{1, 2})
	assert.ErrorContains(t, err, "needs 4 bytes")
}

func TestPayloadFormatter(t *testing.T) {
	data := []byte{0x0a, 0xff, 0x01, 0x02}

	for format, want := range map[string]string{
		"hex":   "0aff0102",
		"bytes": "[10 255 1 2]",
		"ir":    "IR Array: N010-E255-S001-W002",
	} {
		f, err := payloadFormatter(format)
		require.NoError(t, err, format)
		got, err := f(data)
		require.NoError(t, err, format)
		assert.Equal(t, want, got, format)
	}

	_, err := payloadFormatter("raw")
	assert.Error(t, err, "raw bypasses the line formatters")
	_, err = payloadFormatter("xml")
	assert.ErrorContains(t, err, "hex, bytes, ir or raw")
}

func TestFormatUserError(t *testing.T) {
	assert.Empty(t, FormatUserError(nil))

	plain := errors.New("boom")
	assert.Equal(t, "boom", FormatUserError(plain))

	notFound := &device.IoError{Kind: device.KindNotFound, Op: "read", UUID: "1234"}
	assert.Contains(t, FormatUserError(notFound), "\n  hint: no such characteristic")

	exhausted := &retry.ExhaustedError{
		Op:      "connect AA:BB:CC:DD:EE:FF",
		Retries: 3,
		Last:    &device.ConnectError{Kind: device.KindTimeout, Address: "AA:BB:CC:DD:EE:FF"},
	}
	msg := FormatUserError(exhausted)
	assert.Contains(t, msg, "connect AA:BB:CC:DD:EE:FF failed after 3 retries")
	assert.NotContains(t, msg, "hint:")

	ambiguous := &AmbiguousDeviceError{Matches: make([]device.DeviceRecord, 3)}
	assert.Equal(t, "3 devices match, pick one with --address", FormatUserError(ambiguous))
}

func newLoggerTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	cmd.SetErr(new(bytes.Buffer))
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = logrus.WarnLevel

	tests := []struct {
		name     string
		args     []string
		fromFile bool
		want     logrus.Level
	}{
		{name: "silent by default", want: logrus.PanicLevel},
		{name: "config file level", fromFile: true, want: logrus.WarnLevel},
		{name: "verbose", args: []string{"--verbose"}, fromFile: true, want: logrus.DebugLevel},
		{name: "explicit level wins", args: []string{"--verbose", "--log-level", "error"}, want: logrus.ErrorLevel},
		{name: "info", args: []string{"--log-level", "info"}, want: logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newLoggerTestCommand(t, tt.args...)
			logger, err := configureLogger(cmd, cfg, tt.fromFile)
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
			assert.Same(t, cmd.ErrOrStderr(), logger.Out)
		})
	}

	assert.Equal(t, logrus.WarnLevel, cfg.LogLevel, "the config is not modified")

	_, err := configureLogger(newLoggerTestCommand(t, "--log-level", "trace"), cfg, false)
	assert.ErrorContains(t, err, "invalid log level")
}

func TestScanFilter(t *testing.T) {
	named := device.DeviceRecord{Name: "Kano-7", Services: []string{"180f"}}
	other := device.DeviceRecord{Name: "Thermo", Services: []string{"180a"}}

	f, err := scanFilter("Kano", false, nil)
	require.NoError(t, err)
	assert.True(t, f(named))
	assert.False(t, f(other))

	f, err = scanFilter("Kano", true, []string{"180A"})
	require.NoError(t, err)
	assert.False(t, f(named))
	assert.True(t, f(other))

	_, err = scanFilter("", true, []string{"xyz!"})
	assert.ErrorContains(t, err, "invalid service UUID")
}
