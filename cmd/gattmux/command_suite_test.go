package main

import (
	"bytes"
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/testutils"
)

const (
	kitAddress   = "AA:BB:CC:DD:EE:FF"
	echoUUID     = "11a70301-f691-4b93-a6f4-0968f5b648f8"
	batteryUUID  = "2a19"
	quickScanArg = "50ms"
)

// CommandTestSuite runs cobra commands against the in-memory transport.
// All cmd/gattmux test suites embed it.
type CommandTestSuite struct {
	testutils.MockTransportSuite

	origTransport func(*logrus.Logger) device.Transport
}

func (s *CommandTestSuite) SetupTest() {
	s.MockTransportSuite.SetupTest()

	s.origTransport = newTransport
	newTransport = func(*logrus.Logger) device.Transport { return s.Transport }
}

func (s *CommandTestSuite) TearDownTest() {
	newTransport = s.origTransport
	s.MockTransportSuite.TearDownTest()
}

// resetFlags restores every flag of cmd and its children to its default, unchanged state
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// setContext stores ctx on cmd and its children; cobra only propagates the root context
// to a subcommand whose context is still nil, so one left from an earlier execution would stick
func setContext(ctx context.Context, cmd *cobra.Command) {
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		setContext(ctx, c)
	}
}

// ExecuteCommand runs the root command with args and returns stdout and stderr
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandContext(s.Context(), args...)
}

// ExecuteCommandContext is ExecuteCommand with a caller supplied context, e.g. to stop a watch.
// Flags left over from earlier executions are reset first.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, string, error) {
	resetFlags(rootCmd)
	setContext(ctx, rootCmd)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// ContextFor returns a context ending after d
func (s *CommandTestSuite) ContextFor(d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	s.T().Cleanup(cancel)
	return ctx
}
