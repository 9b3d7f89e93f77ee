package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/gattmux/inspector"
	"github.com/srg/gattmux/session"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <hex-data>",
	Short: "Write to a characteristic",
	Long: `Writes hex data to a BLE characteristic and optionally reads the value back.

Examples:
  # Light every LED of the Kano kit
  gattmux write AA:BB:CC:DD:EE:FF 11a70301-f691-4b93-a6f4-0968f5b648f8 ffffffffffffffffffffffffffffffffffffffff --read-back

  # Write without response (faster, no ACK)
  gattmux write AA:BB:CC:DD:EE:FF 11a70304-f691-4b93-a6f4-0968f5b648f8 01 --without-response`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeNoResponse bool
	writeReadBack   bool
)

func init() {
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK); falls back to an acknowledged write when unsupported")
	writeCmd.Flags().BoolVar(&writeReadBack, "read-back", false, "Read the characteristic after the write and print its value")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, uuid := args[0], args[1]

	data, err := parseHexData(args[2])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(a.errOut, a.interactive(), fmt.Sprintf("Writing %d bytes to %s on %s", len(data), uuid, address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	_, err = inspector.InspectDevice(ctx, a.manager(), address, a.logger, progress.Callback(),
		func(ctx context.Context, sess *session.Session) (struct{}, error) {
			if !writeReadBack {
				if err := sess.WriteCharacteristic(ctx, uuid, data, !writeNoResponse); err != nil {
					return struct{}{}, err
				}
				a.out.Printf("array: %s\n", formatBytes(data))
				return struct{}{}, nil
			}

			value, err := sess.WriteReadBack(ctx, uuid, data, !writeNoResponse)
			if err != nil {
				return struct{}{}, err
			}
			a.out.Printf("array: %s\n", formatBytes(data))
			a.out.Printf("array: %s\n", a.out.value.Sprint(formatBytes(value)))
			return struct{}{}, nil
		})
	return err
}
