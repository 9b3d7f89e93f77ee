package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattmux/inspector"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/session"
	"github.com/srg/gattmux/stream"
	"golang.org/x/sync/errgroup"
)

// kanoIRCharacteristic carries the 4-byte IR array of the Kano kit
const kanoIRCharacteristic = "11a70201-f691-4b93-a6f4-0968f5b648f8"

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream <device-address> [uuid...]",
	Short: "Stream characteristic values",
	Long: `Streams values of one or more characteristics until Ctrl+C or --count values.

Notifiable characteristics are subscribed; readable ones are polled every
--interval. Without a UUID the Kano IR array is streamed.

Delivery modes:
  queue   - every value in order; the oldest are dropped when the consumer lags (default)
  latest  - only the newest value

Output formats:
  hex     - one hex line per value (default)
  bytes   - one byte array per value, e.g. [1 2 3]
  ir      - Kano IR array: IR Array: N000-E000-S000-W000
  raw     - value bytes concatenated on stdout (single characteristic only)

Examples:
  gattmux stream AA:BB:CC:DD:EE:FF --format ir
  gattmux stream AA:BB:CC:DD:EE:FF 2a19 11a70201-f691-4b93-a6f4-0968f5b648f8 --count 10`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStream,
}

var (
	streamMode     string
	streamInterval time.Duration
	streamPoll     bool
	streamCount    int
	streamFormat   string
)

func init() {
	streamCmd.Flags().StringVar(&streamMode, "mode", "", "Delivery mode: queue or latest (default from config, queue)")
	streamCmd.Flags().DurationVar(&streamInterval, "interval", 0, "Poll interval for characteristics that are read (default from config, 200ms)")
	streamCmd.Flags().BoolVar(&streamPoll, "poll", false, "Poll even when the characteristic can notify")
	streamCmd.Flags().IntVar(&streamCount, "count", 0, "Stop after N values per characteristic (0 for unlimited)")
	streamCmd.Flags().StringVarP(&streamFormat, "format", "f", "hex", "Output format: hex, bytes, ir or raw")
}

// streamSpec is a parsed stream invocation
type streamSpec struct {
	uuids  []string
	opts   stream.Options
	count  int
	format string
}

func (a *app) streamSpec(cmd *cobra.Command, uuids []string) (streamSpec, error) {
	if len(uuids) == 0 {
		uuids = []string{kanoIRCharacteristic}
	}
	spec := streamSpec{uuids: uuids, opts: a.cfg.StreamOptions(), count: streamCount, format: streamFormat}

	if streamMode != "" {
		policy, err := stream.ParsePolicy(streamMode)
		if err != nil {
			return spec, err
		}
		spec.opts.Policy = policy
	}
	if cmd.Flags().Changed("interval") {
		if streamInterval <= 0 {
			return spec, fmt.Errorf("interval must be positive, got %s", streamInterval)
		}
		spec.opts.PollInterval = streamInterval
	}
	spec.opts.ForcePoll = streamPoll

	if spec.count < 0 {
		return spec, fmt.Errorf("count must be >= 0, got %d", spec.count)
	}
	if spec.format == "raw" {
		if len(uuids) > 1 {
			return spec, fmt.Errorf("raw format streams a single characteristic, got %d", len(uuids))
		}
		return spec, nil
	}
	if _, err := payloadFormatter(spec.format); err != nil {
		return spec, err
	}
	return spec, nil
}

func runStream(cmd *cobra.Command, args []string) error {
	address := args[0]

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	spec, err := a.streamSpec(cmd, args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(a.errOut, a.interactive(), fmt.Sprintf("Streaming from %s", address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	_, err = inspector.InspectDevice(ctx, a.manager(), address, a.logger, progress.Callback(),
		func(ctx context.Context, sess *session.Session) (struct{}, error) {
			return struct{}{}, streamSession(ctx, a, sess, spec)
		})
	return err
}

// streamSession consumes every requested characteristic concurrently; the first failure stops all
func streamSession(ctx context.Context, a *app, sess *session.Session, spec streamSpec) error {
	mux := stream.New(sess, a.logger)
	defer mux.Close()

	handles := make([]*stream.Handle, 0, len(spec.uuids))
	for _, uuid := range spec.uuids {
		h, err := mux.Subscribe(ctx, uuid, spec.opts)
		if err != nil {
			for _, h := range handles {
				h.Cancel()
			}
			return err
		}
		handles = append(handles, h)
	}

	if spec.format == "raw" {
		return copyRaw(ctx, a, handles[0])
	}

	format, _ := payloadFormatter(spec.format)
	var outMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			prefix := ""
			if len(handles) > 1 {
				prefix = device.ShortenUUID(h.UUID()) + ": "
			}
			return consume(gctx, h, spec.count, func(p stream.Payload) error {
				line, err := format(p.Data)
				if err != nil {
					return err
				}
				outMu.Lock()
				defer outMu.Unlock()
				a.out.Printf("%s%s\n", prefix, line)
				return nil
			})
		})
	}

	err := g.Wait()
	for _, h := range handles {
		if h.Dropped() > 0 {
			fmt.Fprintf(a.errOut, "%s: %d values dropped\n", device.ShortenUUID(h.UUID()), h.Dropped())
		}
	}
	return err
}

// consume hands values of h to emit until count values were emitted, ctx ends or the stream fails
func consume(ctx context.Context, h *stream.Handle, count int, emit func(stream.Payload) error) error {
	emitted := 0
	for p, err := range h.All(ctx) {
		if err != nil {
			if errors.Is(err, device.ErrSessionClosed) {
				return ErrConnectionLost
			}
			return err
		}
		if err := emit(p); err != nil {
			return err
		}
		emitted++
		if count > 0 && emitted >= count {
			return nil
		}
	}
	return nil
}

// copyRaw pipes value bytes to the output until ctx ends or the stream fails
func copyRaw(ctx context.Context, a *app, h *stream.Handle) error {
	r := stream.NewReader(ctx, h, 0)
	defer r.Close()

	if _, err := io.Copy(a.out, r); err != nil {
		if errors.Is(err, device.ErrSessionClosed) {
			return ErrConnectionLost
		}
		return err
	}
	return nil
}
