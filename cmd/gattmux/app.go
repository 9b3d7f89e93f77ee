package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattmux/internal/device"
	goble "github.com/srg/gattmux/internal/device/go-ble"
	"github.com/srg/gattmux/pkg/config"
	"github.com/srg/gattmux/registry"
	"github.com/srg/gattmux/session"
	"golang.org/x/term"
)

// newTransport builds the BLE transport every command runs on (can be overridden in tests)
var newTransport = func(logger *logrus.Logger) device.Transport {
	return goble.NewTransport(logger)
}

// app bundles what a command needs once its flags are parsed
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport device.Transport
	out       *printer
	errOut    io.Writer
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, cfg, path != "")
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	noColor, _ := cmd.Flags().GetBool("no-color")
	out := cmd.OutOrStdout()
	return &app{
		cfg:       cfg,
		logger:    logger,
		transport: newTransport(logger),
		out:       newPrinter(out, !noColor && isTerminal(out)),
		errOut:    cmd.ErrOrStderr(),
	}, nil
}

func (a *app) manager() *session.Manager {
	return session.NewManager(a.transport, a.logger, a.cfg.SessionOptions(a.logger))
}

func (a *app) registry() *registry.Registry {
	return registry.New(a.transport, a.logger, a.cfg.RegistryOptions())
}

// interactive reports whether progress lines can be drawn on the error stream
func (a *app) interactive() bool {
	return isTerminal(a.errOut)
}

// Close releases the radio when the transport holds one
func (a *app) Close() error {
	if c, ok := a.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
