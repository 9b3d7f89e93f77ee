package device

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure independently of the operation that produced it
type ErrorKind string

const (
	KindTimeout              ErrorKind = "timeout"
	KindRefused              ErrorKind = "refused"
	KindTransportUnavailable ErrorKind = "transport_unavailable"
	KindTransportBusy        ErrorKind = "transport_busy"
	KindAlreadyConnecting    ErrorKind = "already_connecting"
	KindAlreadyConnected     ErrorKind = "already_connected"
	KindDisconnected         ErrorKind = "disconnected"
	KindNotFound             ErrorKind = "not_found"
	KindNotReadable          ErrorKind = "not_readable"
	KindNotWritable          ErrorKind = "not_writable"
	KindNotNotifiable        ErrorKind = "not_notifiable"
	KindCancelled            ErrorKind = "cancelled"
	KindSessionClosed        ErrorKind = "session_closed"
)

type kinded interface {
	kind() ErrorKind
}

// ConnectError reports a failed attempt to open a session
type ConnectError struct {
	Kind    ErrorKind
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return formatError("connect", e.Address, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare ConnectError values by Kind
func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*ConnectError)
	return ok && e != nil && e.Kind == t.Kind
}

func (e *ConnectError) kind() ErrorKind { return e.Kind }

// DiscoverError reports a failed service discovery
type DiscoverError struct {
	Kind    ErrorKind
	Address string
	Err     error
}

func (e *DiscoverError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return formatError("discover services", e.Address, e.Kind, e.Err)
}

func (e *DiscoverError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare DiscoverError values by Kind
func (e *DiscoverError) Is(target error) bool {
	t, ok := target.(*DiscoverError)
	return ok && e != nil && e.Kind == t.Kind
}

func (e *DiscoverError) kind() ErrorKind { return e.Kind }

// IoError reports a failed characteristic operation
type IoError struct {
	Kind ErrorKind
	Op   string // "read", "write", "subscribe", "unsubscribe"
	UUID string
	Err  error
}

func (e *IoError) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := e.Op
	if op == "" {
		op = "io"
	}
	return formatError(op, e.UUID, e.Kind, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare IoError values by Kind
func (e *IoError) Is(target error) bool {
	t, ok := target.(*IoError)
	return ok && e != nil && e.Kind == t.Kind
}

func (e *IoError) kind() ErrorKind { return e.Kind }

// StreamError terminates a characteristic stream
type StreamError struct {
	Kind ErrorKind
	UUID string
	Err  error
}

func (e *StreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return formatError("stream", e.UUID, e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare StreamError values by Kind
func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	return ok && e != nil && e.Kind == t.Kind
}

func (e *StreamError) kind() ErrorKind { return e.Kind }

// ScanError aborts a registry scan
type ScanError struct {
	Kind ErrorKind
	Err  error
}

func (e *ScanError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return formatError("scan aborted", "", e.Kind, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare ScanError values by Kind
func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	return ok && e != nil && e.Kind == t.Kind
}

func (e *ScanError) kind() ErrorKind { return e.Kind }

func formatError(op, subject string, kind ErrorKind, cause error) string {
	msg := op
	if subject != "" {
		msg = fmt.Sprintf("%s %s", op, subject)
	}
	msg = fmt.Sprintf("%s: %s", msg, kind)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return msg
}

// Predefined sentinel errors, compared by kind through errors.Is
var (
	ErrConnectTimeout       = &ConnectError{Kind: KindTimeout}
	ErrConnectRefused       = &ConnectError{Kind: KindRefused}
	ErrTransportUnavailable = &ConnectError{Kind: KindTransportUnavailable}
	ErrAlreadyConnecting    = &ConnectError{Kind: KindAlreadyConnecting}
	ErrAlreadyConnected     = &ConnectError{Kind: KindAlreadyConnected}
	ErrConnectCancelled     = &ConnectError{Kind: KindCancelled}

	ErrDiscoverDisconnected = &DiscoverError{Kind: KindDisconnected}
	ErrDiscoverTimeout      = &DiscoverError{Kind: KindTimeout}
	ErrDiscoverCancelled    = &DiscoverError{Kind: KindCancelled}

	ErrNotFound      = &IoError{Kind: KindNotFound}
	ErrNotReadable   = &IoError{Kind: KindNotReadable}
	ErrNotWritable   = &IoError{Kind: KindNotWritable}
	ErrNotNotifiable = &IoError{Kind: KindNotNotifiable}
	ErrDisconnected  = &IoError{Kind: KindDisconnected}
	ErrTimeout       = &IoError{Kind: KindTimeout}
	ErrTransportBusy = &IoError{Kind: KindTransportBusy}
	ErrCancelled     = &IoError{Kind: KindCancelled}

	ErrSessionClosed   = &StreamError{Kind: KindSessionClosed}
	ErrStreamCancelled = &StreamError{Kind: KindCancelled}

	ErrScanAborted = &ScanError{Kind: KindTransportUnavailable}
)

// KindOf returns the kind of the outermost taxonomy error in err's chain.
// Bare context errors map to KindCancelled and KindTimeout; anything else yields "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.kind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return ""
}

// IsKind reports whether err carries the given kind regardless of the operation
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err is worth retrying: timeouts and a busy transport.
// Structural failures and disconnection never are.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransportBusy:
		return true
	default:
		return false
	}
}

// IsDisconnected reports whether err means the link is gone
func IsDisconnected(err error) bool {
	return IsKind(err, KindDisconnected)
}
