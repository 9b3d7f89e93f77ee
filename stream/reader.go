package stream

import (
	"context"
	"errors"
	"io"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/groutine"
)

// Reader exposes a stream as a plain byte pipe: payloads are concatenated in
// arrival order into a bounded blocking ring buffer. When the buffer is full
// the pump waits, so the handle's own policy decides what gets dropped.
type Reader struct {
	h      *Handle
	buf    *ringbuffer.RingBuffer
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader starts pumping h into a buffer of size bytes.
// Read returns io.EOF once the stream is cancelled and the buffer drained,
// or the terminal stream error (e.g. SessionClosed).
func NewReader(ctx context.Context, h *Handle, size int) *Reader {
	if size <= 0 {
		size = 4096
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Reader{
		h:      h,
		buf:    ringbuffer.New(size).SetBlocking(true),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	groutine.Go(ctx, "stream-reader", r.pump)
	return r
}

func (r *Reader) pump(ctx context.Context) {
	defer close(r.done)
	for {
		p, err := r.h.Next(ctx)
		if err != nil {
			if errors.Is(err, device.ErrStreamCancelled) {
				r.buf.CloseWriter()
			} else {
				r.buf.CloseWithError(err)
			}
			return
		}
		if _, err := r.buf.Write(p.Data); err != nil {
			return
		}
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	return r.buf.Read(p)
}

// Close cancels the handle and unblocks pending reads
func (r *Reader) Close() error {
	r.h.Cancel()
	r.cancel()
	r.buf.CloseWithError(io.ErrClosedPipe)
	<-r.done
	return nil
}
