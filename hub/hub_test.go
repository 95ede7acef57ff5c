package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebots/devbridge/session"
)

// memStore is a HistoryStore for tests: sessions are "created" by declaring
// their kind.
type memStore struct {
	mu    sync.Mutex
	kinds map[string]session.Kind
	hist  map[string][]session.OutputEvent
}

func newMemStore() *memStore {
	return &memStore{
		kinds: make(map[string]session.Kind),
		hist:  make(map[string][]session.OutputEvent),
	}
}

func (s *memStore) create(id string, kind session.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[id] = kind
}

func (s *memStore) Append(id string, ev session.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kinds[id]; !ok {
		return
	}
	s.hist[id] = append(s.hist[id], ev)
}

func (s *memStore) HistorySnapshot(id string) (session.Kind, []session.OutputEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, ok := s.kinds[id]
	if !ok {
		return "", nil, false
	}
	return kind, append([]session.OutputEvent(nil), s.hist[id]...), true
}

// recordingSub records everything it is sent; it can be told to start
// failing to simulate a closed transport.
type recordingSub struct {
	mu        sync.Mutex
	failing   bool
	histories [][]session.OutputEvent
	events    []session.OutputEvent
}

func (r *recordingSub) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = true
}

func (r *recordingSub) SendHistory(id string, kind session.Kind, history []session.OutputEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return fmt.Errorf("transport closed")
	}
	r.histories = append(r.histories, history)
	return nil
}

func (r *recordingSub) SendEvent(id string, kind session.Kind, ev session.OutputEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return fmt.Errorf("transport closed")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSub) snapshot() (histories [][]session.OutputEvent, events []session.OutputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]session.OutputEvent(nil), r.histories...), append([]session.OutputEvent(nil), r.events...)
}

func (r *recordingSub) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingSub) historyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.histories)
}

func stdout(content string) session.OutputEvent {
	return session.OutputEvent{Type: session.EventStdout, Content: content, Timestamp: time.Now().UTC()}
}

func TestLateSubscriberGetsHistoryBeforeLive(t *testing.T) {
	store := newMemStore()
	store.create("b1", session.KindBuild)
	h := New(store)

	// Events produced before anyone subscribed land in history only.
	h.Publish("b1", session.KindBuild, stdout("one"))
	h.Publish("b1", session.KindBuild, stdout("two"))

	sub := &recordingSub{}
	h.Subscribe("b1", sub)

	require.Eventually(t, func() bool { return sub.historyCount() == 1 }, time.Second, time.Millisecond)
	histories, events := sub.snapshot()
	require.Len(t, histories[0], 2)
	assert.Equal(t, "one", histories[0][0].Content)
	assert.Equal(t, "two", histories[0][1].Content)
	assert.Empty(t, events, "no live events may precede the replay")

	// Subsequent events arrive live exactly once.
	h.Publish("b1", session.KindBuild, stdout("three"))
	require.Eventually(t, func() bool { return sub.eventCount() == 1 }, time.Second, time.Millisecond)
	_, events = sub.snapshot()
	assert.Equal(t, "three", events[0].Content)
}

func TestFailingSubscriberIsIsolated(t *testing.T) {
	store := newMemStore()
	store.create("b1", session.KindBuild)
	h := New(store)

	healthy := &recordingSub{}
	broken := &recordingSub{}
	h.Subscribe("b1", healthy)
	h.Subscribe("b1", broken)
	require.Equal(t, 2, h.SubscriberCount("b1"))

	broken.fail()
	h.Publish("b1", session.KindBuild, stdout("one"))
	h.Publish("b1", session.KindBuild, stdout("two"))

	// The broken subscriber is silently unregistered; the healthy one still
	// receives everything.
	require.Eventually(t, func() bool { return h.SubscriberCount("b1") == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return healthy.eventCount() == 2 }, time.Second, time.Millisecond)

	_, events := healthy.snapshot()
	assert.Equal(t, "one", events[0].Content)
	assert.Equal(t, "two", events[1].Content)
}

// sleepySub simulates a subscriber under transport backpressure.
type sleepySub struct {
	delay time.Duration
}

func (s *sleepySub) SendHistory(string, session.Kind, []session.OutputEvent) error { return nil }

func (s *sleepySub) SendEvent(string, session.Kind, session.OutputEvent) error {
	time.Sleep(s.delay)
	return nil
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	store := newMemStore()
	store.create("b1", session.KindBuild)
	h := New(store)

	slow := &sleepySub{delay: 2 * time.Second}
	healthy := &recordingSub{}
	h.Subscribe("b1", slow)
	h.Subscribe("b1", healthy)

	start := time.Now()
	h.Publish("b1", session.KindBuild, stdout("one"))

	// The healthy subscriber gets the event while the slow one is still
	// sleeping inside its send.
	require.Eventually(t, func() bool { return healthy.eventCount() == 1 }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"a slow subscriber must not delay delivery to the others")
}

// stuckSub blocks inside SendEvent until released.
type stuckSub struct {
	release chan struct{}
}

func (s *stuckSub) SendHistory(string, session.Kind, []session.OutputEvent) error { return nil }

func (s *stuckSub) SendEvent(string, session.Kind, session.OutputEvent) error {
	<-s.release
	return nil
}

func TestBackloggedSubscriberIsUnregistered(t *testing.T) {
	store := newMemStore()
	store.create("b1", session.KindBuild)
	h := New(store, WithQueueSize(1))

	stuck := &stuckSub{release: make(chan struct{})}
	h.Subscribe("b1", stuck)
	defer close(stuck.release)

	// At most one event fits the queue and one the blocked send; the overflow
	// unregisters the subscriber during Publish itself.
	for i := 0; i < 5; i++ {
		h.Publish("b1", session.KindBuild, stdout(fmt.Sprintf("%d", i)))
	}
	assert.Equal(t, 0, h.SubscriberCount("b1"))
}

func TestSubscribeToNonexistentSession(t *testing.T) {
	store := newMemStore()
	h := New(store)

	sub := &recordingSub{}
	h.Subscribe("ghost", sub)

	histories, events := sub.snapshot()
	assert.Empty(t, histories, "no history message for a session that does not exist")
	assert.Empty(t, events)

	// Once the session exists and publishes, the subscription works.
	store.create("ghost", session.KindSimulation)
	h.Publish("ghost", session.KindSimulation, stdout("late"))

	require.Eventually(t, func() bool { return sub.eventCount() == 1 }, time.Second, time.Millisecond)
	_, events = sub.snapshot()
	assert.Equal(t, "late", events[0].Content)
}

func TestPublishAppendsWithoutSubscribers(t *testing.T) {
	store := newMemStore()
	store.create("b1", session.KindBuild)
	h := New(store)

	h.Publish("b1", session.KindBuild, stdout("quiet"))

	_, history, ok := store.HistorySnapshot("b1")
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, "quiet", history[0].Content)
	assert.Equal(t, 0, h.SubscriberCount("b1"))
}

func TestUnsubscribeAll(t *testing.T) {
	store := newMemStore()
	store.create("b1", session.KindBuild)
	store.create("s1", session.KindSimulation)
	h := New(store)

	sub := &recordingSub{}
	other := &recordingSub{}
	h.Subscribe("b1", sub)
	h.Subscribe("s1", sub)
	h.Subscribe("b1", other)

	h.UnsubscribeAll(sub)

	assert.Equal(t, 1, h.SubscriberCount("b1"))
	assert.Equal(t, 0, h.SubscriberCount("s1"))

	// Only the remaining subscriber receives new events.
	h.Publish("b1", session.KindBuild, stdout("one"))
	require.Eventually(t, func() bool { return other.eventCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, sub.eventCount())
}

func TestConcurrentPublishAndSubscribeNoDuplicates(t *testing.T) {
	store := newMemStore()
	store.create("b1", session.KindBuild)
	h := New(store)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Publish("b1", session.KindBuild, stdout(fmt.Sprintf("%d", i)))
		}
	}()

	sub := &recordingSub{}
	h.Subscribe("b1", sub)
	wg.Wait()

	require.Eventually(t, func() bool {
		histories, events := sub.snapshot()
		return len(histories) == 1 && len(histories[0])+len(events) == 200
	}, 5*time.Second, time.Millisecond)

	// Replay plus live delivery reconstructs the full stream exactly once.
	histories, events := sub.snapshot()
	var all []session.OutputEvent
	all = append(all, histories[0]...)
	all = append(all, events...)
	require.Len(t, all, 200)
	for i, ev := range all {
		assert.Equal(t, fmt.Sprintf("%d", i), ev.Content)
	}
}
