package speech

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultQueueMaxItems = 10
	DefaultQueueMaxAge   = 60 * time.Second
)

// PlaybackQueue hands synthesized buffers to a single consumer strictly in
// sequence order. A sequence number is reserved before synthesis starts and
// later either filled with audio or skipped, so a buffer that arrives early
// waits for every earlier sequence to resolve.
type PlaybackQueue struct {
	mu sync.Mutex

	items    map[uint64]queueItem
	skipped  map[uint64]struct{}
	next     uint64
	reserved uint64

	maxItems int
	maxAge   time.Duration
	now      func() time.Time
	onDrop   func(reason string)

	closed       bool
	updateSignal chan struct{}
}

type queueItem struct {
	buffer     []byte
	enqueuedAt time.Time
}

type QueueOption func(*PlaybackQueue)

func WithQueueBounds(maxItems int, maxAge time.Duration) QueueOption {
	return func(q *PlaybackQueue) {
		if maxItems > 0 {
			q.maxItems = maxItems
		}
		if maxAge > 0 {
			q.maxAge = maxAge
		}
	}
}

// WithDropCallback is called, outside any lock, whenever a buffer is dropped
// to respect the queue bounds. The reason is "overflow", "expired" or
// "cleared".
func WithDropCallback(callback func(reason string)) QueueOption {
	return func(q *PlaybackQueue) { q.onDrop = callback }
}

func withClock(now func() time.Time) QueueOption {
	return func(q *PlaybackQueue) { q.now = now }
}

var playbackDrops, _ = meter.Int64Counter("speech.playback.drops",
	metric.WithDescription("Audio buffers dropped from the playback queue"))

func NewPlaybackQueue(opts ...QueueOption) *PlaybackQueue {
	q := &PlaybackQueue{
		items:        map[uint64]queueItem{},
		skipped:      map[uint64]struct{}{},
		maxItems:     DefaultQueueMaxItems,
		maxAge:       DefaultQueueMaxAge,
		now:          time.Now,
		onDrop:       func(string) {},
		updateSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Reserve allocates the next playback slot.
func (q *PlaybackQueue) Reserve() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.reserved
	q.reserved++
	return seq
}

// Enqueue fills a reserved slot with audio. Buffers for slots that were
// already skipped, cleared or consumed are ignored.
func (q *PlaybackQueue) Enqueue(seq uint64, buffer []byte) {
	q.mu.Lock()
	if q.closed || seq < q.next || seq >= q.reserved {
		q.mu.Unlock()
		return
	}
	if _, ok := q.skipped[seq]; ok {
		q.mu.Unlock()
		return
	}

	q.items[seq] = queueItem{buffer: buffer, enqueuedAt: q.now()}
	drops := q.pruneLocked()
	q.mu.Unlock()

	q.reportDrops(drops)
	q.signalUpdate()
}

// Skip resolves a reserved slot without audio so playback can move past it.
func (q *PlaybackQueue) Skip(seq uint64) {
	q.mu.Lock()
	if seq >= q.next && seq < q.reserved {
		delete(q.items, seq)
		q.skipped[seq] = struct{}{}
	}
	q.mu.Unlock()
	q.signalUpdate()
}

// Clear drops every buffered item and resolves all outstanding slots.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = map[uint64]queueItem{}
	q.skipped = map[uint64]struct{}{}
	q.next = q.reserved
	q.mu.Unlock()

	drops := make([]string, dropped)
	for i := range drops {
		drops[i] = "cleared"
	}
	q.reportDrops(drops)
	q.signalUpdate()
}

// Close stops the consumer. Buffers still queued are discarded.
func (q *PlaybackQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signalUpdate()
}

// Len is the number of buffers waiting to be consumed.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Buffers yields buffers in sequence order until the queue is closed or the
// consumer stops.
func (q *PlaybackQueue) Buffers(yield func([]byte) bool) {
	for {
		buffer, ok := q.waitForNext()
		if !ok {
			return
		}
		if !yield(buffer) {
			return
		}
	}
}

// Play consumes the queue with play until ctx is done or the queue closes.
func (q *PlaybackQueue) Play(ctx context.Context, play func([]byte) error) {
	stop := context.AfterFunc(ctx, q.Close)
	defer stop()

	for buffer := range q.Buffers {
		if err := play(buffer); err != nil {
			logger.Warn("failed to play audio buffer", "error", err)
		}
	}
}

func (q *PlaybackQueue) waitForNext() ([]byte, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		drops := q.pruneLocked()
		buffer, ok := q.consumeNextLocked()
		q.mu.Unlock()

		q.reportDrops(drops)
		if ok {
			return buffer, true
		}
		<-q.updateSignal
	}
}

func (q *PlaybackQueue) consumeNextLocked() ([]byte, bool) {
	for {
		if _, ok := q.skipped[q.next]; ok {
			delete(q.skipped, q.next)
			q.next++
			continue
		}
		item, ok := q.items[q.next]
		if !ok {
			return nil, false
		}
		delete(q.items, q.next)
		q.next++
		return item.buffer, true
	}
}

// pruneLocked enforces the age and count bounds, oldest first. A dropped
// slot counts as skipped so playback never waits on it.
func (q *PlaybackQueue) pruneLocked() []string {
	var drops []string
	cutoff := q.now().Add(-q.maxAge)
	for seq, item := range q.items {
		if item.enqueuedAt.Before(cutoff) {
			delete(q.items, seq)
			q.skipped[seq] = struct{}{}
			drops = append(drops, "expired")
		}
	}

	for len(q.items) > q.maxItems {
		oldest := q.reserved
		for seq := range q.items {
			if seq < oldest {
				oldest = seq
			}
		}
		delete(q.items, oldest)
		q.skipped[oldest] = struct{}{}
		drops = append(drops, "overflow")
	}
	return drops
}

func (q *PlaybackQueue) reportDrops(drops []string) {
	for _, reason := range drops {
		logger.Debug("dropped audio buffer", "reason", reason)
		if playbackDrops != nil {
			playbackDrops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
		}
		q.onDrop(reason)
	}
}

func (q *PlaybackQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
