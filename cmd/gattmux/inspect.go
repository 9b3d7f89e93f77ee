package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/gattmux/inspector"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/session"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services and characteristics of a BLE device",
	Long: `Connects to a BLE device, discovers its services and characteristics
and reads the value of every readable characteristic.

Examples:
  gattmux inspect AA:BB:CC:DD:EE:FF
  gattmux inspect AA:BB:CC:DD:EE:FF --json --read-limit 0`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectJSON      bool
	inspectReadLimit int
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes shown per readable characteristic (0 to skip reads)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(a.errOut, a.interactive(), fmt.Sprintf("Inspecting device %s", address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	report, err := inspector.InspectDevice(ctx, a.manager(), address, a.logger, progress.Callback(),
		func(ctx context.Context, sess *session.Session) (*inspector.Report, error) {
			return inspector.Describe(ctx, sess, inspectReadLimit)
		})
	if err != nil {
		return err
	}

	if inspectJSON {
		return a.out.JSON(report)
	}
	printReport(a.out, report)
	return nil
}

func printReport(p *printer, r *inspector.Report) {
	title := r.Address
	if r.Name != "" {
		title = fmt.Sprintf("%s (%s)", r.Name, r.Address)
	}
	p.Printf("%s %s\n", p.header.Sprint("Device:"), p.addr.Sprint(title))

	for _, svc := range r.Services {
		p.Printf("\n%s %s\n", p.header.Sprint("Service:"), device.FormatUUID(svc.UUID))
		for _, c := range svc.Characteristics {
			p.Printf("  Characteristic: %s  [%s]\n", device.FormatUUID(c.UUID), c.Capabilities)
			switch {
			case c.ReadError != "":
				p.Printf("    %s\n", p.warn.Sprintf("read failed: %s", c.ReadError))
			case c.ValueHex != "":
				p.Printf("    Value: %s  %q\n", p.value.Sprint(c.ValueHex), c.ValueASCII)
			}
		}
	}
}
