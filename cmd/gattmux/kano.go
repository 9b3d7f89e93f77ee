package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/groutine"
	"github.com/srg/gattmux/registry"
	"github.com/srg/gattmux/session"
	"github.com/srg/gattmux/stream"
)

// kanoCmd represents the kano command
var kanoCmd = &cobra.Command{
	Use:   "kano",
	Short: "Find a Kano kit and stream its IR sensor",
	Long: `Scans for a device whose name starts with the configured prefix ("Kano"),
connects to the first match and streams its IR array as

  IR Array: N000-E000-S000-W000

With the kit facing you, N is furthest away, E is to the right, S is closest
and W is to the left. Each value is the signal strength, 255 for no
reflection down to 0 for maximum reflection.

When the kit drops the connection it is re-opened with backoff until the
retry policy gives up; use --no-reconnect to stop at the first drop.

Examples:
  gattmux kano
  gattmux kano --address AA:BB:CC:DD:EE:FF --count 20`,
	Args: cobra.NoArgs,
	RunE: runKano,
}

var (
	kanoAddress     string
	kanoPrefix      string
	kanoDuration    time.Duration
	kanoCount       int
	kanoPoll        bool
	kanoNoReconnect bool
)

func init() {
	kanoCmd.Flags().StringVar(&kanoAddress, "address", "", "Use this device instead of scanning")
	kanoCmd.Flags().StringVar(&kanoPrefix, "prefix", "", "Device name prefix (default from config, Kano)")
	kanoCmd.Flags().DurationVarP(&kanoDuration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	kanoCmd.Flags().IntVar(&kanoCount, "count", 0, "Stop after N IR values (0 for unlimited)")
	kanoCmd.Flags().BoolVar(&kanoPoll, "poll", false, "Read the IR array repeatedly instead of subscribing")
	kanoCmd.Flags().BoolVar(&kanoNoReconnect, "no-reconnect", false, "Stop when the kit drops the connection")
}

func runKano(cmd *cobra.Command, _ []string) error {
	if kanoCount < 0 {
		return fmt.Errorf("count must be >= 0, got %d", kanoCount)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	address := kanoAddress
	if address == "" {
		prefix := a.cfg.Scan.NamePrefix
		if cmd.Flags().Changed("prefix") {
			prefix = kanoPrefix
		}
		duration := a.cfg.Scan.Duration
		if cmd.Flags().Changed("duration") {
			duration = kanoDuration
		}

		rec, err := findDevice(ctx, a, prefix, duration)
		if err != nil {
			return err
		}
		address = rec.Address
	}

	opts := a.cfg.StreamOptions()
	opts.ForcePoll = kanoPoll

	if kanoNoReconnect {
		spec := streamSpec{uuids: []string{kanoIRCharacteristic}, opts: opts, count: kanoCount, format: "ir"}
		sess, err := a.manager().Open(ctx, address)
		if err != nil {
			return err
		}
		defer sess.Close()
		a.out.Printf("Connected to %s successfully!\n", a.out.addr.Sprint(address))
		return streamSession(ctx, a, sess, spec)
	}

	return streamWithReconnect(ctx, a, address, opts, kanoCount)
}

// findDevice scans for devices named with prefix and returns the first by name, then address.
// Other matches are reported so the user can pick one with --address.
func findDevice(ctx context.Context, a *app, prefix string, duration time.Duration) (device.DeviceRecord, error) {
	a.out.Println("Scanning for BLE devices...")

	progress := NewCountdownProgressPrinter(a.errOut, a.interactive(), "Scanning for BLE devices", "Scanning", duration, "Done")
	progress.Start()
	defer progress.Stop()

	filter := registry.NamePrefix(prefix)
	reg := a.registry()
	_, err := reg.Collect(ctx, filter, duration)
	progress.Callback()("Done")
	if err != nil {
		return device.DeviceRecord{}, err
	}
	if ctx.Err() != nil {
		return device.DeviceRecord{}, ctx.Err()
	}

	matches := reg.Matches(filter)
	if len(matches) == 0 {
		a.out.Printf("No %s devices found..... is it on?\n", prefix)
		return device.DeviceRecord{}, ErrNoDevice
	}

	rec := matches[0]
	a.out.Printf("Device: %s, Address: %s\n", a.out.name.Sprint(rec.DisplayName()), a.out.addr.Sprint(rec.Address))
	if len(matches) > 1 {
		fmt.Fprintf(a.errOut, "warning: %v; using %s\n", &AmbiguousDeviceError{Matches: matches}, rec.Address)
		for _, m := range matches[1:] {
			fmt.Fprintf(a.errOut, "  also found: %s %s\n", m.DisplayName(), m.Address)
		}
	}
	return rec, nil
}

// streamWithReconnect streams the IR array and re-subscribes on every re-opened session.
// count bounds the total number of values across reconnects.
func streamWithReconnect(ctx context.Context, a *app, address string, opts stream.Options, count int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	format, _ := payloadFormatter("ir")
	var emitted atomic.Int64
	var consumeErr atomic.Pointer[error]

	group := groutine.NewGroup(a.logger)

	reconnector := session.NewReconnector(a.manager(), address, a.cfg.RetryPolicy(a.logger), a.logger)
	err := reconnector.Run(ctx, func(ctx context.Context, sess *session.Session) error {
		a.out.Printf("Connected to %s successfully!\n", a.out.addr.Sprint(sess.Address()))

		mux := stream.New(sess, a.logger)
		h, err := mux.Subscribe(ctx, kanoIRCharacteristic, opts)
		if err != nil {
			mux.Close()
			return err
		}

		group.Go(ctx, "kano-ir", func(ctx context.Context) {
			defer mux.Close()
			err := consume(ctx, h, 0, func(p stream.Payload) error {
				line, err := format(p.Data)
				if err != nil {
					return err
				}
				a.out.Println(line)
				if n := emitted.Add(1); count > 0 && n >= int64(count) {
					cancel()
				}
				return nil
			})
			if err != nil && !errors.Is(err, ErrConnectionLost) {
				consumeErr.Store(&err)
				cancel()
			}
		})
		return nil
	})

	cancel()
	group.Wait()
	if p := consumeErr.Load(); p != nil {
		return *p
	}
	return err
}
