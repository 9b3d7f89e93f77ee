package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// printer writes command output, colored when the destination is a terminal
type printer struct {
	w io.Writer

	header *color.Color
	name   *color.Color
	addr   *color.Color
	value  *color.Color
	warn   *color.Color
}

func newPrinter(w io.Writer, colored bool) *printer {
	p := &printer{
		w:      w,
		header: color.New(color.Bold),
		name:   color.New(color.FgGreen),
		addr:   color.New(color.FgCyan),
		value:  color.New(color.FgYellow),
		warn:   color.New(color.FgRed),
	}
	for _, c := range []*color.Color{p.header, p.name, p.addr, p.value, p.warn} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Println(args ...any) {
	fmt.Fprintln(p.w, args...)
}

func (p *printer) Write(data []byte) (int, error) {
	return p.w.Write(data)
}

func (p *printer) JSON(v any) error {
	encoder := json.NewEncoder(p.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// parseHexData accepts hex with optional spaces, colons, dashes or a 0x prefix
func parseHexData(s string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "\t", "").Replace(strings.TrimSpace(s))
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")
	if cleaned == "" {
		return nil, fmt.Errorf("empty data")
	}
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
	}
	return data, nil
}

// formatIR renders a 4-byte IR array as signal strength per direction,
// with the kit facing you: N is furthest away, E right, S closest and W left.
func formatIR(data []byte) (string, error) {
	if len(data) < 4 {
		return "", fmt.Errorf("IR payload needs 4 bytes, got %d", len(data))
	}
	return fmt.Sprintf("IR Array: N%03d-E%03d-S%03d-W%03d", data[0], data[1], data[2], data[3]), nil
}

// formatBytes renders data like a byte array literal, e.g. [1 2 255]
func formatBytes(data []byte) string {
	return fmt.Sprint(toInts(data))
}

func toInts(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}

// payloadFormatter renders one stream value per line for the hex and ir formats
func payloadFormatter(format string) (func([]byte) (string, error), error) {
	switch format {
	case "hex":
		return func(b []byte) (string, error) { return hex.EncodeToString(b), nil }, nil
	case "ir":
		return formatIR, nil
	case "bytes":
		return func(b []byte) (string, error) { return formatBytes(b), nil }, nil
	default:
		return nil, fmt.Errorf("invalid format %q: must be hex, bytes, ir or raw", format)
	}
}
