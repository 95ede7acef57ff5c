/*
Package hub fans a session's output out to a dynamic set of subscribers.

The hub is pure indexing: it never creates or destroys sessions, it only
tracks who is interested in which session and pushes events at them. History
lives in the session manager; the hub coordinates appends and enqueues under
one per-session lock so a late subscriber's replay is complete and gap-free
relative to live events. Delivery itself runs on one goroutine per
subscription, so one subscriber's backpressure never delays the rest or the
publishing pump.
*/
package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/forgebots/devbridge/session"
)

const defaultQueueSize = 256

// HistoryStore is the hub's view of session histories. Implemented by
// session.Manager.
type HistoryStore interface {
	Append(sessionID string, ev session.OutputEvent)
	HistorySnapshot(sessionID string) (session.Kind, []session.OutputEvent, bool)
}

// Subscriber is one client connection's receive side. Implementations must be
// safe for concurrent use and must return an error once their transport is no
// longer open; a failed send unregisters the subscriber.
type Subscriber interface {
	SendHistory(sessionID string, kind session.Kind, history []session.OutputEvent) error
	SendEvent(sessionID string, kind session.Kind, ev session.OutputEvent) error
}

// Hub maps session ids to subscriber sets. Locking is per session id, so one
// session's activity never blocks another session's.
type Hub struct {
	log       *zap.SugaredLogger
	store     HistoryStore
	queueSize int

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu sync.Mutex
	// pruned marks an entry that lost the race with removal; holders must
	// re-fetch from the map.
	pruned bool
	subs   map[Subscriber]*outbox
}

// outbox decouples one subscription from the publisher. Enqueues happen under
// the entry lock; a dedicated goroutine drains the queue into the subscriber.
// The channel is only ever closed under the entry lock, after the outbox has
// been removed from the subscriber set, so an enqueue never races a close.
type outbox struct {
	ch chan delivery
}

type delivery struct {
	id      string
	kind    session.Kind
	ev      session.OutputEvent
	history []session.OutputEvent
	replay  bool
}

type Option func(h *Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		h.log = l.Named("hub").Sugar()
	}
}

// WithQueueSize bounds each subscription's delivery queue. A subscriber that
// falls this many events behind is unregistered.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n < 1 {
			n = 1
		}
		h.queueSize = n
	}
}

func New(store HistoryStore, opts ...Option) *Hub {
	h := &Hub{
		log:       zap.NewNop().Sugar(),
		store:     store,
		queueSize: defaultQueueSize,
		entries:   make(map[string]*entry),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// lockedEntry returns the entry for id with its lock held, creating it if
// needed. The caller must unlock it.
func (h *Hub) lockedEntry(id string) *entry {
	for {
		h.mu.Lock()
		e, ok := h.entries[id]
		if !ok {
			e = &entry{subs: make(map[Subscriber]*outbox)}
			h.entries[id] = e
		}
		h.mu.Unlock()

		e.mu.Lock()
		if !e.pruned {
			return e
		}
		e.mu.Unlock()
	}
}

// pruneIfEmpty drops the index entry for a session nobody is watching. The
// underlying session is unaffected.
func (h *Hub) pruneIfEmpty(id string, e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.subs) == 0 && !e.pruned {
		e.pruned = true
		delete(h.entries, id)
	}
}

// Subscribe registers sub for a session's events. If the session exists, its
// full history is queued as a single replay message ahead of any live event,
// so the subscriber never observes a live event out of order relative to
// history. Subscribing to an id with no session is a silent no-op until that
// session publishes.
func (h *Hub) Subscribe(id string, sub Subscriber) {
	e := h.lockedEntry(id)

	if _, ok := e.subs[sub]; ok {
		// Duplicate subscribe (e.g. a client re-issuing after reconnect racing
		// its own initial subscribe); no second replay.
		e.mu.Unlock()
		return
	}

	box := &outbox{ch: make(chan delivery, h.queueSize)}
	if kind, history, ok := h.store.HistorySnapshot(id); ok {
		box.ch <- delivery{id: id, kind: kind, history: history, replay: true}
	}
	e.subs[sub] = box
	n := len(e.subs)
	e.mu.Unlock()

	go h.drain(id, sub, box)

	h.log.Debugw("subscribed", "Session", id, "Subscribers", n)
}

// drain delivers one subscription's queue in order. A failed send ends the
// subscription; buffered leftovers are discarded.
func (h *Hub) drain(id string, sub Subscriber, box *outbox) {
	for d := range box.ch {
		var err error
		if d.replay {
			err = sub.SendHistory(d.id, d.kind, d.history)
		} else {
			err = sub.SendEvent(d.id, d.kind, d.ev)
		}
		if err != nil {
			h.log.Debugf("delivery to subscriber of %s failed, unregistering: %s", id, err)
			h.Unsubscribe(id, sub)
			return
		}
	}
}

// Publish appends ev to the session's history and queues it for every current
// subscriber. A subscriber whose queue is full is too far behind to ever catch
// up and is unregistered; the rest are unaffected. Publish never blocks on a
// subscriber's transport. Publish implements session.Publisher.
func (h *Hub) Publish(id string, kind session.Kind, ev session.OutputEvent) {
	e := h.lockedEntry(id)

	h.store.Append(id, ev)

	for sub, box := range e.subs {
		select {
		case box.ch <- delivery{id: id, kind: kind, ev: ev}:
		default:
			h.log.Debugw("subscriber queue full, unregistering", "Session", id)
			delete(e.subs, sub)
			close(box.ch)
		}
	}
	empty := len(e.subs) == 0
	e.mu.Unlock()

	if empty {
		h.pruneIfEmpty(id, e)
	}
}

// Unsubscribe removes one subscription and stops its delivery goroutine.
func (h *Hub) Unsubscribe(id string, sub Subscriber) {
	h.mu.Lock()
	e, ok := h.entries[id]
	h.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if box, ok := e.subs[sub]; ok {
		delete(e.subs, sub)
		close(box.ch)
	}
	empty := len(e.subs) == 0
	e.mu.Unlock()

	if empty {
		h.pruneIfEmpty(id, e)
	}
}

// UnsubscribeAll removes every subscription held by sub, typically because
// its connection closed.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.entries))
	for id := range h.entries {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Unsubscribe(id, sub)
	}
}

// SubscriberCount reports how many subscribers a session currently has.
func (h *Hub) SubscriberCount(id string) int {
	h.mu.Lock()
	e, ok := h.entries[id]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
