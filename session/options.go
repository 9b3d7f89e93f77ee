package session

import (
	"context"
	"time"

	"github.com/srg/gattmux/retry"
)

// Options configures sessions opened by a Manager
type Options struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout" default:"10s"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"3s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"3s"`

	// DiscoverOnOpen walks the GATT profile before Open returns
	DiscoverOnOpen bool `yaml:"discover_on_open" default:"true"`

	// WriteChunkSize splits longer payloads into consecutive writes; 0 disables chunking
	WriteChunkSize int `yaml:"write_chunk_size" default:"0"`

	// QueueSize bounds the number of operations waiting for the link
	QueueSize int `yaml:"queue_size" default:"64"`

	// RetryConnect applies Retry to the connect attempt as well
	RetryConnect bool `yaml:"retry_connect" default:"true"`

	// Retry wraps discover, read, write and subscribe attempts; nil disables retries
	Retry *retry.Policy `yaml:"-"`
}

// DefaultOptions returns sensible defaults for BLE sessions
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  10 * time.Second,
		DiscoverTimeout: 10 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		DiscoverOnOpen:  true,
		QueueSize:       64,
		RetryConnect:    true,
		Retry:           retry.DefaultPolicy(),
	}
}

// withTimeout is context.WithTimeout where a non-positive duration means no deadline
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
