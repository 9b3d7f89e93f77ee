package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/gattmux/internal/device"
)

// errorKind maps known go-ble and platform error strings to a taxonomy kind.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns "" when the error is not recognised.
func errorKind(err error) device.ErrorKind {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return device.KindTimeout
	case errors.Is(err, context.Canceled):
		return device.KindCancelled
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?",
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no such device"):
		return device.KindTransportUnavailable
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"):
		return device.KindDisconnected
	case containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "timed out"):
		return device.KindTimeout
	case containsIgnoreCase(msg, "busy"), containsIgnoreCase(msg, "in progress"):
		return device.KindTransportBusy
	case containsIgnoreCase(msg, "read not permitted"):
		return device.KindNotReadable
	case containsIgnoreCase(msg, "write not permitted"):
		return device.KindNotWritable
	case containsIgnoreCase(msg, "refused"), containsIgnoreCase(msg, "rejected"),
		containsIgnoreCase(msg, "failed to connect"), containsIgnoreCase(msg, "abort"):
		return device.KindRefused
	default:
		return ""
	}
}

// NormalizeConnectError converts a dial failure into a *device.ConnectError.
// Unrecognised failures are reported as Refused.
func NormalizeConnectError(address string, err error) error {
	if err == nil {
		return nil
	}
	var ce *device.ConnectError
	if errors.As(err, &ce) {
		return err
	}

	kind := errorKind(err)
	switch kind {
	case device.KindTimeout, device.KindCancelled, device.KindTransportUnavailable, device.KindTransportBusy:
	default:
		kind = device.KindRefused
	}
	return &device.ConnectError{Kind: kind, Address: address, Err: err}
}

// NormalizeDiscoverError converts a profile discovery failure into a *device.DiscoverError.
// Unrecognised failures are reported as Disconnected since the link can no longer be trusted.
func NormalizeDiscoverError(address string, err error) error {
	if err == nil {
		return nil
	}
	var de *device.DiscoverError
	if errors.As(err, &de) {
		return err
	}

	kind := errorKind(err)
	switch kind {
	case device.KindTimeout, device.KindCancelled:
	case device.KindTransportBusy:
		kind = device.KindTimeout
	default:
		kind = device.KindDisconnected
	}
	return &device.DiscoverError{Kind: kind, Address: address, Err: err}
}

// NormalizeIoError converts a characteristic operation failure into a *device.IoError.
// Unrecognised failures are reported as TransportBusy so that the retry policy gets a chance.
func NormalizeIoError(op, uuid string, err error) error {
	if err == nil {
		return nil
	}
	var ie *device.IoError
	if errors.As(err, &ie) {
		return err
	}

	kind := errorKind(err)
	switch kind {
	case "", device.KindRefused:
		kind = device.KindTransportBusy
	case device.KindTransportUnavailable:
		kind = device.KindDisconnected
	}
	return &device.IoError{Kind: kind, Op: op, UUID: uuid, Err: err}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
