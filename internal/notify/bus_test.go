package notify

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Creates a bus that is closed when the test ends.
func setupBus(t *testing.T, capacity, buffer int) *Bus {
	t.Helper()
	bus := New(zaptest.NewLogger(t), config.NotifyConfig{Capacity: capacity, SubscriberBuffer: buffer}, nil)
	t.Cleanup(bus.Close)
	return bus
}

// recordingSink collects what it receives and can be told to fail.
type recordingSink struct {
	mu    sync.Mutex
	got   []schemas.Notification
	fail  bool
	calls atomic.Int32
}

func (s *recordingSink) Deliver(n schemas.Notification) error {
	s.calls.Add(1)
	if s.fail {
		return errors.New("peer went away")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) received() []schemas.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.Notification(nil), s.got...)
}

// blockingSink parks the dispatcher until released.
type blockingSink struct{ release chan struct{} }

func (s *blockingSink) Deliver(schemas.Notification) error {
	<-s.release
	return nil
}

type panickingSink struct{}

func (panickingSink) Deliver(schemas.Notification) error { panic("boom") }

func TestPublishOrderingAndCapacity(t *testing.T) {
	bus := setupBus(t, 3, 8)

	for i := 1; i <= 5; i++ {
		bus.Publish(fmt.Sprintf("n%d", i), "msg", schemas.SeverityInfo, "nmap", "t")
	}

	items := bus.List(0, false)
	require.Len(t, items, 3, "oldest entries are dropped past capacity")
	assert.Equal(t, "n5", items[0].Title)
	assert.Equal(t, "n4", items[1].Title)
	assert.Equal(t, "n3", items[2].Title)

	t.Run("should keep ids unique after eviction", func(t *testing.T) {
		n := bus.Publish("n6", "", schemas.SeverityInfo, "", "")
		assert.Equal(t, int64(6), n.ID)
	})

	t.Run("should honor the limit", func(t *testing.T) {
		assert.Len(t, bus.List(2, false), 2)
	})
}

func TestReadFlags(t *testing.T) {
	bus := setupBus(t, 10, 8)
	a := bus.Publish("a", "", schemas.SeveritySuccess, "whois", "t1")
	bus.Publish("b", "", schemas.SeverityError, "dig", "t2")
	bus.Publish("c", "", schemas.SeverityWarning, "ffuf", "t3")

	assert.Equal(t, 3, bus.UnreadCount())
	assert.True(t, bus.MarkRead(a.ID))
	assert.False(t, bus.MarkRead(999))
	assert.Equal(t, 2, bus.UnreadCount())

	unread := bus.List(0, true)
	require.Len(t, unread, 2)
	assert.Equal(t, "c", unread[0].Title)

	assert.Equal(t, 2, bus.MarkAllRead())
	assert.Equal(t, 0, bus.UnreadCount())
	assert.Empty(t, bus.List(0, true))

	// Everything but the read flag is unchanged.
	all := bus.List(0, false)
	assert.Equal(t, "a", all[2].Title)
	assert.Equal(t, schemas.SeveritySuccess, all[2].Severity)
	assert.Equal(t, "t1", all[2].TaskID)
}

func TestFanOut(t *testing.T) {
	t.Run("should deliver to every sink", func(t *testing.T) {
		bus := setupBus(t, 10, 8)
		s1, s2 := &recordingSink{}, &recordingSink{}
		id1 := bus.Subscribe(s1)
		id2 := bus.Subscribe(s2)
		assert.NotEqual(t, id1, id2)
		assert.Equal(t, 2, bus.Subscribers())

		bus.Publish("done", "", schemas.SeveritySuccess, "nmap", "abc")

		require.Eventually(t, func() bool {
			return len(s1.received()) == 1 && len(s2.received()) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, "abc", s1.received()[0].TaskID)
	})

	t.Run("should prune a failing sink without affecting others", func(t *testing.T) {
		bus := setupBus(t, 10, 8)
		bad, good := &recordingSink{fail: true}, &recordingSink{}
		bus.Subscribe(bad)
		bus.Subscribe(panickingSink{})
		bus.Subscribe(good)

		bus.Publish("first", "", schemas.SeverityInfo, "", "")
		require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

		bus.Publish("second", "", schemas.SeverityInfo, "", "")
		require.Eventually(t, func() bool { return len(good.received()) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), bad.calls.Load(), "pruned sink is not retried")
	})

	t.Run("should not block publish on a stuck sink", func(t *testing.T) {
		bus := setupBus(t, 500, 4)
		stuck := &blockingSink{release: make(chan struct{})}
		bus.Subscribe(stuck)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 100; i++ {
				bus.Publish("spam", "", schemas.SeverityInfo, "", "")
			}
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Publish blocked on subscriber delivery")
		}
		assert.Len(t, bus.List(0, false), 100)
		close(stuck.release)
	})

	t.Run("should unsubscribe explicitly", func(t *testing.T) {
		bus := setupBus(t, 10, 8)
		s := &recordingSink{}
		id := bus.Subscribe(s)
		assert.True(t, bus.Unsubscribe(id))
		assert.False(t, bus.Unsubscribe(id))

		bus.Publish("x", "", schemas.SeverityInfo, "", "")
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, s.received())
	})
}

// sliceSink is a value type holding a slice, so it cannot be compared with ==.
type sliceSink struct {
	seen []string
	out  chan<- string
}

func (s sliceSink) Deliver(n schemas.Notification) error {
	s.out <- n.Title
	return nil
}

func TestSubscribe_NonComparableSink(t *testing.T) {
	bus := setupBus(t, 10, 8)
	out := make(chan string, 4)
	sink := sliceSink{seen: []string{"x"}, out: out}

	var first, second Subscription
	require.NotPanics(t, func() {
		first = bus.Subscribe(sink)
		second = bus.Subscribe(sink)
	})
	assert.Equal(t, 2, bus.Subscribers(), "each call is its own subscription")

	bus.Publish("hello", "", schemas.SeverityInfo, "", "")
	for range 2 {
		select {
		case title := <-out:
			assert.Equal(t, "hello", title)
		case <-time.After(time.Second):
			t.Fatal("sink did not receive the notification")
		}
	}

	require.NotPanics(t, func() { assert.True(t, bus.Unsubscribe(first)) })
	assert.Equal(t, 1, bus.Subscribers())
	assert.True(t, bus.Unsubscribe(second))
	assert.Zero(t, bus.Subscribers())
}

func TestSubscribeChan(t *testing.T) {
	bus := setupBus(t, 10, 8)
	ch, cancel := bus.SubscribeChan(4)

	bus.Publish("hello", "", schemas.SeverityInfo, "", "")
	select {
	case n := <-ch:
		assert.Equal(t, "hello", n.Title)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for notification")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")
	cancel()
}

func TestSubscribeChanClosedByBus(t *testing.T) {
	bus := New(zaptest.NewLogger(t), config.NotifyConfig{Capacity: 10, SubscriberBuffer: 8}, nil)
	ch, cancel := bus.SubscribeChan(1)
	defer cancel()

	bus.Close()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after close still records.
	bus.Publish("late", "", schemas.SeverityInfo, "", "")
	assert.Equal(t, 1, bus.UnreadCount())
	bus.Close()
}
