package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/registry"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy devices in the vicinity.

By default only devices whose advertised name starts with the configured
prefix ("Kano") are listed; use --all to list everything. Devices are
printed sorted by name, then address.

Examples:
  # Find Kano kits for 5 seconds
  gattmux scan --duration 5s

  # Everything advertising the Battery service
  gattmux scan --all --service 180f --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanPrefix   string
	scanAll      bool
	scanServices []string
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	scanCmd.Flags().StringVar(&scanPrefix, "prefix", "", "Only list devices whose name starts with this prefix (default from config, Kano)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every device regardless of name")
	scanCmd.Flags().StringSliceVarP(&scanServices, "service", "s", nil, "Only list devices advertising these service UUIDs")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
}

// scanFilter builds the registry filter from flags and config
func scanFilter(prefix string, all bool, services []string) (registry.Filter, error) {
	var filters []registry.Filter
	if !all {
		filters = append(filters, registry.NamePrefix(prefix))
	}
	if len(services) > 0 {
		uuids, err := device.ValidateUUID(services...)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		for _, u := range uuids {
			filters = append(filters, registry.HasService(u))
		}
	}
	return registry.And(filters...), nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	duration := a.cfg.Scan.Duration
	if cmd.Flags().Changed("duration") {
		duration = scanDuration
	}
	prefix := a.cfg.Scan.NamePrefix
	if cmd.Flags().Changed("prefix") {
		prefix = scanPrefix
	}
	format := a.cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	filter, err := scanFilter(prefix, scanAll, scanServices)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewCountdownProgressPrinter(a.errOut, a.interactive(), "Scanning for BLE devices", "Scanning", duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	reg := a.registry()
	if _, err := reg.Collect(ctx, filter, duration); err != nil {
		progress.Stop()
		return err
	}
	progress.Callback()("Processing results")
	records := reg.Matches(filter)

	if format == "json" {
		if records == nil {
			records = []device.DeviceRecord{}
		}
		return a.out.JSON(records)
	}
	return displayDevicesTable(a.out, records)
}

func displayDevicesTable(p *printer, records []device.DeviceRecord) error {
	if len(records) == 0 {
		p.Println("No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(p, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, p.header.Sprint("NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN"))
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, r := range records {
		name := r.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		short := make([]string, 0, len(r.Services))
		for _, s := range r.Services {
			short = append(short, device.ShortenUUID(s))
		}
		services := strings.Join(short, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(r.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			p.name.Sprint(name), p.addr.Sprint(r.Address), r.RSSI, services, lastSeen)
	}

	return w.Flush()
}
