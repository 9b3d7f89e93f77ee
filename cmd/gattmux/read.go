package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattmux/inspector"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/session"
	"github.com/srg/gattmux/stream"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <uuid>",
	Short: "Read a characteristic value",
	Long: `Reads a characteristic value once, or repeatedly with --watch.

Examples:
  # Read Battery Level as hex
  gattmux read AA:BB:CC:DD:EE:FF 2a19 --hex

  # Read every 500ms until Ctrl+C
  gattmux read AA:BB:CC:DD:EE:FF 2a19 --hex --watch 500ms`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readHex   bool
	readWatch string
)

func init() {
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address, uuid := args[0], args[1]

	var watchInterval time.Duration
	if readWatch != "" {
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("watch interval must be positive, got %s", readWatch)
		}
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	operation := "Reading"
	if watchInterval > 0 {
		operation = "Watching"
	}
	progress := NewProgressPrinter(a.errOut, a.interactive(), fmt.Sprintf("%s %s from %s", operation, uuid, address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	_, err = inspector.InspectDevice(ctx, a.manager(), address, a.logger, progress.Callback(),
		func(ctx context.Context, sess *session.Session) (struct{}, error) {
			if watchInterval > 0 {
				return struct{}{}, watchChar(ctx, a, sess, uuid, watchInterval)
			}
			data, err := sess.ReadCharacteristic(ctx, uuid)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, outputData(a.out, data, readHex)
		})
	return err
}

// watchChar polls the characteristic through a stream handle until ctx ends or the session is lost
func watchChar(ctx context.Context, a *app, sess *session.Session, uuid string, interval time.Duration) error {
	fmt.Fprintf(a.errOut, "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	mux := stream.New(sess, a.logger)
	defer mux.Close()

	opts := a.cfg.StreamOptions()
	opts.ForcePoll = true
	opts.PollInterval = interval
	opts.Policy = stream.LatestOnly

	h, err := mux.Subscribe(ctx, uuid, opts)
	if err != nil {
		return err
	}

	for p, err := range h.All(ctx) {
		if err != nil {
			if errors.Is(err, device.ErrSessionClosed) {
				return ErrConnectionLost
			}
			return err
		}
		if err := outputData(a.out, p.Data, readHex); err != nil {
			return err
		}
	}
	return nil
}

// outputData writes data as a hex line or as raw bytes
func outputData(p *printer, data []byte, asHex bool) error {
	if asHex {
		p.Println(hex.EncodeToString(data))
		return nil
	}
	_, err := p.Write(data)
	return err
}
