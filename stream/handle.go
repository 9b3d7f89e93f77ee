package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/ringchan"
)

// Handle is one consumer's view of a characteristic stream.
//
// Cancel stops delivery at once; values already returned by Next stay
// delivered. When the session closes the handle ends with a SessionClosed
// error after the values still queued have been taken.
type Handle struct {
	uuid   string
	key    upstreamKey
	policy Policy
	queue  *ringchan.RingChannel[Payload]

	stopped  chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error

	delivered atomic.Uint64
	detach    func(*Handle)
}

func newHandle(key upstreamKey, policy Policy, queueSize int, detach func(*Handle)) *Handle {
	capacity := queueSize
	if policy == LatestOnly || capacity <= 0 {
		capacity = 1
	}
	return &Handle{
		uuid:    key.uuid,
		key:     key,
		policy:  policy,
		queue:   ringchan.New[Payload](capacity),
		stopped: make(chan struct{}),
		detach:  detach,
	}
}

func (h *Handle) UUID() string      { return h.uuid }
func (h *Handle) Mode() Mode        { return h.key.mode }
func (h *Handle) Policy() Policy    { return h.policy }
func (h *Handle) Delivered() uint64 { return h.delivered.Load() }

// Dropped counts values discarded because the consumer fell behind
func (h *Handle) Dropped() uint64 {
	return uint64(h.queue.GetMetrics().Overwritten)
}

// Pending is the number of queued values not taken yet
func (h *Handle) Pending() int {
	return h.queue.Len()
}

// Err returns the terminal error, nil while the stream is live
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func (h *Handle) push(p Payload) {
	h.queue.Send(p)
}

// terminate ends the stream from the producer side; queued values remain readable
func (h *Handle) terminate(err error) {
	h.setErr(err)
	h.queue.Close()
}

// Cancel stops delivery and releases the upstream once no other handle uses it.
// Calling it more than once is allowed.
func (h *Handle) Cancel() {
	h.stopOnce.Do(func() {
		h.setErr(&device.StreamError{Kind: device.KindCancelled, UUID: h.uuid})
		close(h.stopped)
		h.queue.Close()
		if h.detach != nil {
			h.detach(h)
		}
	})
}

func (h *Handle) cancelled() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

// Next waits for the next value. Cancelling ctx abandons the wait but keeps the handle live.
func (h *Handle) Next(ctx context.Context) (Payload, error) {
	if h.cancelled() {
		return Payload{}, h.Err()
	}

	select {
	case p, ok := <-h.queue.C():
		if !ok || h.cancelled() {
			return Payload{}, h.Err()
		}
		h.delivered.Add(1)
		return p, nil
	case <-h.stopped:
		return Payload{}, h.Err()
	case <-ctx.Done():
		return Payload{}, &device.StreamError{Kind: device.KindCancelled, UUID: h.uuid, Err: ctx.Err()}
	}
}

// All ranges over the stream until it ends. A cancelled stream (by Cancel or ctx)
// ends quietly; any other terminal error, such as SessionClosed, is yielded last.
// The handle is cancelled when iteration stops.
func (h *Handle) All(ctx context.Context) iter.Seq2[Payload, error] {
	return func(yield func(Payload, error) bool) {
		defer h.Cancel()
		for {
			p, err := h.Next(ctx)
			if err != nil {
				if !errors.Is(err, device.ErrStreamCancelled) {
					yield(Payload{}, err)
				}
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}
