package inspector

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/session"
)

// gapDeviceName is the GAP Device Name characteristic
const gapDeviceName = "2a00"

// Report is a structured view of a device's GATT profile with previews of readable values
type Report struct {
	Address  string          `json:"address"`
	Name     string          `json:"name,omitempty"`
	Services []ServiceReport `json:"services"`
}

type ServiceReport struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicReport `json:"characteristics"`
}

type CharacteristicReport struct {
	UUID         string `json:"uuid"`
	Capabilities string `json:"capabilities"`
	ValueHex     string `json:"value_hex,omitempty"`
	ValueASCII   string `json:"value_ascii,omitempty"`
	ReadError    string `json:"read_error,omitempty"`
}

// Describe walks the session's profile and reads every readable characteristic.
// readLimit caps the preview length, 0 skips reads. A failed read is recorded on its
// characteristic; only losing the session aborts the walk.
func Describe(ctx context.Context, sess *session.Session, readLimit int) (*Report, error) {
	services, err := sess.DiscoverServices(ctx, false)
	if err != nil {
		return nil, err
	}

	report := &Report{Address: sess.Address()}
	for _, svc := range services {
		sr := ServiceReport{UUID: svc.UUID}
		for _, c := range svc.Characteristics {
			cr := CharacteristicReport{UUID: c.UUID, Capabilities: c.Capabilities.String()}

			if readLimit > 0 && c.Capabilities.Readable() {
				data, err := sess.ReadCharacteristic(ctx, c.UUID)
				switch {
				case err == nil:
					if len(data) > readLimit {
						data = data[:readLimit]
					}
					cr.ValueHex = strings.ToUpper(hex.EncodeToString(data))
					cr.ValueASCII = ASCIIPreview(data)
					if c.UUID == gapDeviceName {
						report.Name = cr.ValueASCII
					}
				case device.IsDisconnected(err) || ctx.Err() != nil:
					return report, err
				default:
					cr.ReadError = err.Error()
				}
			}
			sr.Characteristics = append(sr.Characteristics, cr)
		}
		report.Services = append(report.Services, sr)
	}
	return report, nil
}

// ASCIIPreview returns a printable rendering of data, replacing non-printable bytes with '.'
func ASCIIPreview(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			out[i] = b
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
