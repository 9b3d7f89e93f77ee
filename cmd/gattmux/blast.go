package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattmux/inspector"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/session"
	"golang.org/x/sync/errgroup"
)

// kanoBlastCharacteristic accepts unacknowledged single-byte writes on the Kano kit
const kanoBlastCharacteristic = "11a70304-f691-4b93-a6f4-0968f5b648f8"

// blastCmd represents the blast command
var blastCmd = &cobra.Command{
	Use:   "blast <device-address> [uuid]",
	Short: "Write incrementing values to a characteristic",
	Long: `Writes an incrementing single byte (wrapping at 256) to a characteristic
until Ctrl+C or --count writes. With --read-back the value is read after
each write and the next write increments what was read.

Examples:
  gattmux blast AA:BB:CC:DD:EE:FF --read-back
  gattmux blast AA:BB:CC:DD:EE:FF 11a70302-f691-4b93-a6f4-0968f5b648f8 --count 100 --interval 10ms`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runBlast,
}

var (
	blastReadBack bool
	blastInterval time.Duration
	blastCount    int
)

func init() {
	blastCmd.Flags().BoolVar(&blastReadBack, "read-back", false, "Read the value back after every write")
	blastCmd.Flags().DurationVar(&blastInterval, "interval", 0, "Pause between writes")
	blastCmd.Flags().IntVar(&blastCount, "count", 0, "Stop after N writes (0 for unlimited)")
}

func runBlast(cmd *cobra.Command, args []string) error {
	address := args[0]
	uuid := kanoBlastCharacteristic
	if len(args) == 2 {
		uuid = args[1]
	}
	if blastCount < 0 || blastInterval < 0 {
		return fmt.Errorf("count and interval must not be negative")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(a.errOut, a.interactive(), fmt.Sprintf("Blasting %s on %s", uuid, address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	_, err = inspector.InspectDevice(ctx, a.manager(), address, a.logger, progress.Callback(),
		func(ctx context.Context, sess *session.Session) (struct{}, error) {
			return struct{}{}, blast(ctx, a, sess, uuid)
		})
	return err
}

// blast runs the write loop next to a watcher that ends it when the session is lost
func blast(ctx context.Context, a *app, sess *session.Session, uuid string) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return blastLoop(gctx, a, sess, uuid)
	})
	g.Go(func() error {
		select {
		case <-sess.Done():
			return ErrConnectionLost
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

func blastLoop(ctx context.Context, a *app, sess *session.Session, uuid string) error {
	value := []byte{0}
	for n := 0; blastCount == 0 || n < blastCount; n++ {
		value[0]++

		if err := sess.WriteCharacteristic(ctx, uuid, value, false); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if device.IsDisconnected(err) {
				return ErrConnectionLost
			}
			return err
		}
		a.out.Printf("array: %s\n", formatBytes(value))

		if blastReadBack {
			data, err := sess.ReadCharacteristic(ctx, uuid)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			a.out.Printf("array: %s\n", a.out.value.Sprint(formatBytes(data)))
			if len(data) > 0 {
				value[0] = data[0]
			}
		}

		if blastInterval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(blastInterval):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}
