// Package stream turns characteristic value updates into cancellable sequences.
//
// A Multiplexer serves one session. Every (characteristic, mode, interval)
// pair has at most one upstream, either a notification subscription or a
// poll loop reading at a fixed interval, fanned out to any number of
// handles. Each handle owns a bounded queue, so a slow consumer only loses
// its own oldest values and never stalls the session or other consumers.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/srg/gattmux/internal/device"
)

// Policy selects how a handle buffers values its consumer has not taken yet
type Policy int

const (
	// QueueAll keeps up to QueueSize values in order, dropping the oldest on overflow
	QueueAll Policy = iota
	// LatestOnly keeps only the newest value
	LatestOnly
)

func (p Policy) String() string {
	switch p {
	case QueueAll:
		return "queue"
	case LatestOnly:
		return "latest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "queue", "queue-all", "latest" and "latest-only"
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue", "queue-all", "queueall", "all":
		return QueueAll, nil
	case "latest", "latest-only", "latestonly":
		return LatestOnly, nil
	default:
		return QueueAll, fmt.Errorf("unknown delivery policy %q (expected queue or latest)", s)
	}
}

// Mode is how values are obtained from the peripheral
type Mode int

const (
	Notify Mode = iota
	Poll
)

func (m Mode) String() string {
	if m == Notify {
		return "notify"
	}
	return "poll"
}

// Options configures a subscription
type Options struct {
	Policy Policy `yaml:"-"`
	// PollInterval is used for characteristics that cannot notify
	PollInterval time.Duration `yaml:"poll_interval" default:"200ms"`
	QueueSize    int           `yaml:"queue_size" default:"64"`
	// ForcePoll reads at PollInterval even when the characteristic can notify
	ForcePoll bool `yaml:"force_poll" default:"false"`
}

// DefaultOptions returns QueueAll delivery with a 64 value queue and 200ms polling
func DefaultOptions() Options {
	return Options{
		Policy:       QueueAll,
		PollInterval: 200 * time.Millisecond,
		QueueSize:    64,
	}
}

// Payload is one value received from a characteristic.
// Seq increases by one per value produced upstream, so gaps reveal dropped values.
type Payload struct {
	UUID string
	Data []byte
	Seq  uint64
	At   time.Time
}

// Source is the session a multiplexer pulls from
type Source interface {
	Address() string
	Characteristic(uuid string) (device.CharacteristicDescriptor, bool)
	DiscoverServices(ctx context.Context, forceRefresh bool) ([]device.ServiceDescriptor, error)
	ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error)
	SubscribeNotifications(ctx context.Context, uuid string, handler func([]byte)) error
	UnsubscribeNotifications(ctx context.Context, uuid string) error
	Done() <-chan struct{}
}
