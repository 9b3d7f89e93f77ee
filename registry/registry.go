// Package registry discovers peripherals and keeps the result of the last completed scan.
package registry

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/internal/device"
	"github.com/srg/gattmux/internal/groutine"
	"github.com/srg/gattmux/internal/ringchan"
)

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type Event struct {
	Type   EventType
	Record device.DeviceRecord
}

// ErrScanInProgress is returned when a second scan is started on the same registry
var ErrScanInProgress = &device.ScanError{Kind: device.KindTransportBusy, Err: errors.New("scan already in progress")}

// Options configures the registry
type Options struct {
	// AllowDuplicates asks the transport to report every packet so names and timestamps stay fresh
	AllowDuplicates bool   `yaml:"allow_duplicates" default:"true"`
	EventBuffer     int    `yaml:"event_buffer" default:"100"`
	HistorySize     uint32 `yaml:"history_size" default:"256"`
}

// DefaultOptions returns default registry options
func DefaultOptions() Options {
	return Options{
		AllowDuplicates: true,
		EventBuffer:     100,
		HistorySize:     256,
	}
}

// Registry handles BLE device discovery
type Registry struct {
	transport device.Transport
	logger    *logrus.Logger
	opts      Options

	mu       sync.RWMutex
	snapshot map[string]device.DeviceRecord
	scanned  time.Time

	events   *ringchan.RingChannel[Event]
	history  mpmc.RichOverlappedRingBuffer[device.DeviceRecord]
	scanning atomic.Bool

	now func() time.Time
}

// New creates a registry scanning through the given transport
func New(transport device.Transport, logger *logrus.Logger, opts Options) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = DefaultOptions().HistorySize
	}

	return &Registry{
		transport: transport,
		logger:    logger,
		opts:      opts,
		snapshot:  make(map[string]device.DeviceRecord),
		events:    ringchan.New[Event](opts.EventBuffer),
		history:   mpmc.NewOverlappedRingBuffer[device.DeviceRecord](opts.HistorySize),
		now:       time.Now,
	}
}

// scanGrace bounds how long an ending scan waits for the transport to stop
const scanGrace = 250 * time.Millisecond

// Scan discovers devices matching filter for the given duration.
//
// The returned sequence yields every address once, on its first matching
// sighting, and ends when the duration elapses, ctx is cancelled or the
// consumer stops iterating. A transport failure is yielded as a final
// *device.ScanError. Later sightings refresh the record (newest name and
// timestamp win) and the refreshed records become the registry snapshot
// once the scan ends.
//
// A zero duration yields nothing and commits an empty snapshot right away.
// A negative duration scans until ctx is done.
func (r *Registry) Scan(ctx context.Context, filter Filter, duration time.Duration) iter.Seq2[device.DeviceRecord, error] {
	if filter == nil {
		filter = Any()
	}

	return func(yield func(device.DeviceRecord, error) bool) {
		if !r.scanning.CompareAndSwap(false, true) {
			yield(device.DeviceRecord{}, ErrScanInProgress)
			return
		}

		live := hashmap.New[string, device.DeviceRecord]()
		if duration == 0 {
			r.commit(live)
			r.scanning.Store(false)
			return
		}

		var (
			scanCtx context.Context
			cancel  context.CancelFunc
		)
		if duration > 0 {
			scanCtx, cancel = context.WithTimeout(ctx, duration)
		} else {
			scanCtx, cancel = context.WithCancel(ctx)
		}

		var (
			stopped   atomic.Bool
			finished  bool
			pendingMu sync.Mutex
			pending   []device.DeviceRecord
			notify    = make(chan struct{}, 1)
			done      = make(chan error, 1)
		)

		// the radio keeps the registry busy until the transport has really stopped;
		// sightings arriving after the end of the sequence are dropped
		defer func() {
			stopped.Store(true)
			cancel()
			if !finished {
				select {
				case <-done:
					finished = true
				case <-time.After(scanGrace):
					r.logger.Warn("Transport still scanning after the scan ended")
				}
			}
			r.commit(live)
			if finished {
				r.scanning.Store(false)
				return
			}
			groutine.Go(context.Background(), "registry-scan-unwind", func(context.Context) {
				<-done
				r.scanning.Store(false)
			})
		}()

		handler := func(adv device.Advertisement) {
			if stopped.Load() {
				return
			}
			rec := device.NewDeviceRecord(adv, r.now())
			if rec.Address == "" {
				return
			}
			if _, err := r.history.EnqueueM(rec); err != nil {
				r.logger.WithError(err).Debug("Failed to record advertisement history")
			}
			if !filter(rec) {
				return
			}

			if prev, existing := live.GetOrInsert(rec.Address, rec); existing {
				merged := merge(prev, rec)
				live.Set(rec.Address, merged)
				r.events.Send(Event{Type: EventUpdated, Record: merged})
				return
			}

			r.logger.WithFields(logrus.Fields{
				"device":  rec.DisplayName(),
				"address": rec.Address,
				"rssi":    rec.RSSI,
			}).Info("Discovered new device")
			r.events.Send(Event{Type: EventNew, Record: rec})

			pendingMu.Lock()
			pending = append(pending, rec)
			pendingMu.Unlock()
			select {
			case notify <- struct{}{}:
			default:
			}
		}

		drain := func() bool {
			pendingMu.Lock()
			batch := pending
			pending = nil
			pendingMu.Unlock()
			for _, rec := range batch {
				if !yield(rec, nil) {
					return false
				}
			}
			return true
		}

		r.logger.WithField("duration", duration).Info("Starting BLE scan...")

		groutine.Go(scanCtx, "registry-scan", func(ctx context.Context) {
			done <- r.transport.Scan(ctx, r.opts.AllowDuplicates, handler)
		})

		for {
			select {
			case <-notify:
				if !drain() {
					r.logger.Debug("Scan consumer stopped early")
					return
				}
			case err := <-done:
				finished = true
				if !drain() {
					return
				}
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					r.logger.WithError(err).Error("Scan aborted")
					yield(device.DeviceRecord{}, scanError(err))
				}
				return
			case <-scanCtx.Done():
				drain()
				return
			}
		}
	}
}

// Collect runs Scan to completion and returns the records in discovery order
func (r *Registry) Collect(ctx context.Context, filter Filter, duration time.Duration) ([]device.DeviceRecord, error) {
	var records []device.DeviceRecord
	for rec, err := range r.Scan(ctx, filter, duration) {
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Registry) commit(live *hashmap.Map[string, device.DeviceRecord]) {
	snapshot := make(map[string]device.DeviceRecord, live.Len())
	live.Range(func(addr string, rec device.DeviceRecord) bool {
		snapshot[addr] = rec
		return true
	})

	r.mu.Lock()
	r.snapshot = snapshot
	r.scanned = r.now()
	r.mu.Unlock()

	r.logger.WithField("device_count", len(snapshot)).Info("BLE scan completed")
}

// Lookup returns the record for address from the last completed scan
func (r *Registry) Lookup(address string) (device.DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.snapshot[device.NormalizeAddress(address)]
	return rec, ok
}

// Records returns every record of the last completed scan, sorted by name then address
func (r *Registry) Records() []device.DeviceRecord {
	return r.Matches(nil)
}

// Matches returns all records of the last completed scan accepted by filter,
// sorted by name then address. Several matches are all reported; picking one is up to the caller.
func (r *Registry) Matches(filter Filter) []device.DeviceRecord {
	if filter == nil {
		filter = Any()
	}

	r.mu.RLock()
	out := make([]device.DeviceRecord, 0, len(r.snapshot))
	for _, rec := range r.snapshot {
		if filter(rec) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b device.DeviceRecord) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Address, b.Address))
	})
	return out
}

// LastScan returns when the current snapshot was committed; zero before the first scan
func (r *Registry) LastScan() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scanned
}

// Events returns a read-only channel of device events.
// Slow readers lose the oldest events, never block the scan.
func (r *Registry) Events() <-chan Event {
	return r.events.C()
}

// History drains the bounded trail of raw sightings (filtered or not), oldest first
func (r *Registry) History() []device.DeviceRecord {
	var out []device.DeviceRecord
	for !r.history.IsEmpty() {
		rec, err := r.history.Dequeue()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

// merge folds a newer sighting into the known record.
// Scan responses often omit the name, so an empty name never erases a known one.
func merge(prev, next device.DeviceRecord) device.DeviceRecord {
	merged := next
	merged.Services = slices.Clone(next.Services)
	if merged.Name == "" {
		merged.Name = prev.Name
	}
	if next.LastSeen.Before(prev.LastSeen) {
		merged.LastSeen = prev.LastSeen
	}
	for _, s := range prev.Services {
		if !slices.Contains(merged.Services, s) {
			merged.Services = append(merged.Services, s)
		}
	}
	return merged
}

func scanError(err error) error {
	var se *device.ScanError
	if errors.As(err, &se) {
		return err
	}
	return &device.ScanError{Kind: device.KindTransportUnavailable, Err: err}
}
