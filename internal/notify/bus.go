// Filename: internal/notify/bus.go
package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
)

// ErrSubscriberTooSlow is returned by channel sinks whose buffer is full.
var ErrSubscriberTooSlow = errors.New("subscriber buffer full")

// Sink receives notifications from the bus. A non-nil error from Deliver
// removes the sink.
type Sink interface {
	Deliver(n schemas.Notification) error
}

// Subscription identifies one attached sink. Sinks are never compared, so any
// type, comparable or not, can subscribe.
type Subscription uint64

type subscriber struct {
	id   Subscription
	sink Sink
}

// closer is implemented by sinks that own a resource the bus should release
// when it drops them.
type closer interface {
	close()
}

// Bus keeps a bounded newest-first list of notifications and fans each new one
// out to subscribed sinks from its own goroutine.
type Bus struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	items    []schemas.Notification
	capacity int
	nextID   int64
	closed   bool
	queue    chan schemas.Notification

	subMu   sync.Mutex
	sinks   []subscriber
	nextSub Subscription

	subscriberBuffer int
	wg               sync.WaitGroup
}

// Ensures Bus can be handed to components that only publish.
var _ schemas.Publisher = (*Bus)(nil)

// New creates a bus and starts its dispatcher. Close must be called to stop it.
func New(logger *zap.Logger, cfg config.NotifyConfig, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 200
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	b := &Bus{
		logger:           logger.Named("notify"),
		metrics:          metrics,
		now:              time.Now,
		capacity:         cfg.Capacity,
		queue:            make(chan schemas.Notification, cfg.SubscriberBuffer),
		subscriberBuffer: cfg.SubscriberBuffer,
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Publish records a notification at the front of the list and queues it for
// fan-out. It never waits on subscribers; when the queue is full the fan-out
// of this notification is skipped, logged and counted, but it is still listed.
func (b *Bus) Publish(title, message string, severity schemas.Severity, toolName, taskID string) schemas.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	n := schemas.Notification{
		ID:        b.nextID,
		Title:     title,
		Message:   message,
		Severity:  severity,
		ToolName:  toolName,
		TaskID:    taskID,
		Timestamp: b.now().UTC(),
	}

	b.items = append(b.items, schemas.Notification{})
	copy(b.items[1:], b.items)
	b.items[0] = n
	if len(b.items) > b.capacity {
		b.items = b.items[:b.capacity]
	}
	b.metrics.NotificationPublished(string(severity))

	if b.closed {
		return n
	}
	select {
	case b.queue <- n:
	default:
		b.metrics.NotificationDropped()
		b.logger.Warn("Notification queue full, skipping fan-out", zap.Int64("id", n.ID))
	}
	return n
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for n := range b.queue {
		b.subMu.Lock()
		subs := make([]subscriber, len(b.sinks))
		copy(subs, b.sinks)
		b.subMu.Unlock()

		for _, sub := range subs {
			if err := deliver(sub.sink, n); err != nil {
				b.logger.Debug("Dropping notification subscriber", zap.Uint64("subscription", uint64(sub.id)), zap.Error(err))
				b.Unsubscribe(sub.id)
			}
		}
	}
}

// deliver isolates the dispatcher from a panicking sink.
func deliver(s Sink, n schemas.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.Deliver(n)
}

// Subscribe attaches a sink and returns the handle that detaches it. Each
// call is a separate subscription, even for the same sink.
func (b *Bus) Subscribe(s Sink) Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextSub++
	b.sinks = append(b.sinks, subscriber{id: b.nextSub, sink: s})
	return b.nextSub
}

// Unsubscribe detaches a subscription and reports whether it was attached.
func (b *Bus) Unsubscribe(id Subscription) bool {
	b.subMu.Lock()
	var removed Sink
	for i, sub := range b.sinks {
		if sub.id == id {
			b.sinks = append(b.sinks[:i], b.sinks[i+1:]...)
			removed = sub.sink
			break
		}
	}
	b.subMu.Unlock()

	if removed == nil {
		return false
	}
	if c, ok := removed.(closer); ok {
		c.close()
	}
	return true
}

// Subscribers reports how many sinks are currently attached.
func (b *Bus) Subscribers() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.sinks)
}

// SubscribeChan attaches a buffered channel sink. The channel is closed when the
// returned cancel func is called, when the subscriber falls behind, or when the bus closes.
func (b *Bus) SubscribeChan(buffer int) (<-chan schemas.Notification, func()) {
	if buffer <= 0 {
		buffer = b.subscriberBuffer
	}
	s := &chanSink{ch: make(chan schemas.Notification, buffer)}
	id := b.Subscribe(s)
	return s.ch, func() { b.Unsubscribe(id) }
}

// List returns up to limit notifications, newest first. A limit of zero or less returns all.
func (b *Bus) List(limit int, unreadOnly bool) []schemas.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]schemas.Notification, 0, len(b.items))
	for _, n := range b.items {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MarkRead flags one notification as read. It reports false for unknown or evicted ids.
func (b *Bus) MarkRead(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		if b.items[i].ID == id {
			b.items[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllRead flags every listed notification as read and returns how many changed.
func (b *Bus) MarkAllRead() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := 0
	for i := range b.items {
		if !b.items[i].Read {
			b.items[i].Read = true
			changed++
		}
	}
	return changed
}

func (b *Bus) UnreadCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, n := range b.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// Close stops fan-out after draining queued notifications and releases every
// remaining sink. Publish keeps recording notifications after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.wg.Wait()

	b.subMu.Lock()
	subs := b.sinks
	b.sinks = nil
	b.subMu.Unlock()
	for _, sub := range subs {
		if c, ok := sub.sink.(closer); ok {
			c.close()
		}
	}
}

// chanSink adapts a buffered channel to Sink. A full buffer counts as a failed delivery.
type chanSink struct {
	mu     sync.Mutex
	ch     chan schemas.Notification
	closed bool
}

func (s *chanSink) Deliver(n schemas.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscriber closed")
	}
	select {
	case s.ch <- n:
		return nil
	default:
		return ErrSubscriberTooSlow
	}
}

func (s *chanSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
