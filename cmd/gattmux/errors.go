package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/retry"
)

// Command-level errors
var (
	// ErrNoDevice is returned when a scan finds no peripheral to work with
	ErrNoDevice = errors.New("no matching device found")

	// ErrConnectionLost indicates the session ended while a command was still using it
	ErrConnectionLost = errors.New("connection lost")
)

// AmbiguousDeviceError is returned when several peripherals match and none was chosen
type AmbiguousDeviceError struct {
	Matches []device.DeviceRecord
}

func (e *AmbiguousDeviceError) Error() string {
	return fmt.Sprintf("%d devices match, pick one with --address", len(e.Matches))
}

// hints for the error kinds a user can act on
var kindHints = map[device.ErrorKind]string{
	device.KindTimeout:              "the device did not answer in time; is it powered on and in range?",
	device.KindRefused:              "the device refused the connection",
	device.KindAlreadyConnected:     "a session to this device is already open",
	device.KindNotFound:             "no such characteristic on this device; run 'gattmux inspect' to list them",
	device.KindNotReadable:          "the characteristic does not support reads",
	device.KindNotWritable:          "the characteristic does not support this kind of write",
	device.KindNotNotifiable:        "the characteristic can neither notify nor be read",
	device.KindTransportUnavailable: "the Bluetooth adapter is unavailable; is Bluetooth enabled?",
}

// FormatUserError renders err for the terminal, adding a hint for well-known failures
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Sprintf("%s failed after %d retries: %v", exhausted.Op, exhausted.Retries, exhausted.Last)
	}

	if hint, ok := kindHints[device.KindOf(err)]; ok {
		return fmt.Sprintf("%v\n  hint: %s", err, hint)
	}
	return err.Error()
}
