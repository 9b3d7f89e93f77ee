package inspector

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/session"
)

// Progress phases reported while a device is acquired
const (
	PhaseConnecting = "Connecting"
	PhaseConnected  = "Connected"
	PhaseProcessing = "Processing results"
	PhaseFailed     = "Failed"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectCallback works with an open session and produces output of type R
type InspectCallback[R any] func(ctx context.Context, sess *session.Session) (R, error)

// InspectDevice opens a session to address, runs callback with it and closes the session
// on every exit path, a panic in callback included (the panic is re-raised after close).
//
// An error from callback wins over a close error; a close error alone is returned as is.
func InspectDevice[R any](ctx context.Context, manager *session.Manager, address string, logger *logrus.Logger, progress ProgressCallback, callback InspectCallback[R]) (result R, err error) {
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}
	if manager == nil || callback == nil {
		return result, fmt.Errorf("inspector: manager and callback are required")
	}

	progress(PhaseConnecting)
	sess, err := manager.Open(ctx, address)
	if err != nil {
		progress(PhaseFailed)
		return result, err
	}
	progress(PhaseConnected)

	defer func() {
		closeErr := sess.Close()
		if closeErr != nil {
			logger.WithField("address", address).WithError(closeErr).Error("failed to close session")
			if err == nil {
				err = closeErr
			}
		}
	}()

	progress(PhaseProcessing)
	return callback(ctx, sess)
}
