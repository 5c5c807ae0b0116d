// Package hub implements the stream hub: a concurrent, typed pub/sub
// that fans normalized market-data events out to per-topic and global
// ("firehose") subscribers. Grounded on the source system's
// crates/stream-hub (tokio broadcast channels keyed by topic string)
// and, for the non-blocking send idiom, the teacher's
// ws/hub.go BroadcastTick — "select { send; default: drop }" so a slow
// consumer never stalls the publisher.
package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

// DefaultCapacity is the recommended per-topic and global channel
// depth from the spec's buffer-sizing guidance.
const DefaultCapacity = 1024

// GlobalEvent is what a firehose subscriber receives: the topic an
// event was published on, paired with the event itself.
type GlobalEvent struct {
	Topic model.Topic
	Event model.ServerEvent
}

// subscriberEntry is the hub's private bookkeeping for one topic
// subscription: a buffered channel plus a lag counter incremented
// whenever publish finds the channel full.
type subscriberEntry struct {
	ch     chan model.ServerEvent
	lagged int32 // atomic
}

type globalEntry struct {
	ch     chan GlobalEvent
	lagged int32 // atomic
}

// SubscriberHandle is returned by Subscribe. Recv yields the next
// event for this topic, or reports a lag if the consumer fell behind.
type SubscriberHandle struct {
	ID    uint64
	Topic model.Topic

	hub   *Hub
	entry *subscriberEntry
}

// Recv blocks until the next event, a lag notification, or ctx
// cancellation. A lag notification never terminates the subscription:
// the caller should loop and call Recv again to resume from the next
// available event.
func (s *SubscriberHandle) Recv(ctx context.Context) (event model.ServerEvent, lagged bool, err error) {
	if atomic.SwapInt32(&s.entry.lagged, 0) > 0 {
		return model.ServerEvent{}, true, nil
	}
	select {
	case evt, ok := <-s.entry.ch:
		if !ok {
			return model.ServerEvent{}, false, ErrClosed
		}
		return evt, false, nil
	case <-ctx.Done():
		return model.ServerEvent{}, false, ctx.Err()
	}
}

// Close releases this subscription's slot. The topic's broadcast
// state may remain allocated; the hub does not garbage-collect empty
// topics.
func (s *SubscriberHandle) Close() {
	s.hub.removeSubscriber(s.Topic, s.ID)
}

// GlobalHandle is returned by SubscribeAll.
type GlobalHandle struct {
	ID uint64

	hub   *Hub
	entry *globalEntry
}

func (g *GlobalHandle) Recv(ctx context.Context) (evt GlobalEvent, lagged bool, err error) {
	if atomic.SwapInt32(&g.entry.lagged, 0) > 0 {
		return GlobalEvent{}, true, nil
	}
	select {
	case e, ok := <-g.entry.ch:
		if !ok {
			return GlobalEvent{}, false, ErrClosed
		}
		return e, false, nil
	case <-ctx.Done():
		return GlobalEvent{}, false, ctx.Err()
	}
}

func (g *GlobalHandle) Close() {
	g.hub.removeGlobalSubscriber(g.ID)
}

// topicState is the per-topic broadcast registry, lazily created on
// first subscription.
type topicState struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriberEntry
}

// Hub is a typed, in-process, at-most-once pub/sub keyed by
// model.Topic. The zero value is not usable; construct with New.
type Hub struct {
	capacity int
	nextID   uint64

	mu     sync.RWMutex
	topics map[string]*topicState

	globalMu sync.RWMutex
	global   map[uint64]*globalEntry
}

// ErrClosed is returned by Recv once the underlying channel has been
// closed. The hub itself never closes a subscriber channel:
// unsubscription goes through Close, which only removes the entry.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "hub: subscription closed" }

// New creates a hub with the given per-topic/global channel capacity.
// Pass 0 to use DefaultCapacity.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity: capacity,
		topics:   make(map[string]*topicState),
		global:   make(map[uint64]*globalEntry),
	}
}

func (h *Hub) allocID() uint64 {
	return atomic.AddUint64(&h.nextID, 1)
}

// Publish enqueues event to topic's subscribers and to every global
// subscriber. It never blocks: a full subscriber buffer is drained by
// one slot and the subscriber's lag counter is bumped instead.
func (h *Hub) Publish(topic model.Topic, event model.ServerEvent) {
	key := topic.Key()

	h.mu.RLock()
	state := h.topics[key]
	h.mu.RUnlock()

	if state != nil {
		state.mu.RLock()
		for _, entry := range state.subs {
			deliverTopic(entry, event)
		}
		state.mu.RUnlock()
	}

	h.globalMu.RLock()
	for _, entry := range h.global {
		deliverGlobal(entry, GlobalEvent{Topic: topic, Event: event})
	}
	h.globalMu.RUnlock()
}

func deliverTopic(entry *subscriberEntry, event model.ServerEvent) {
	select {
	case entry.ch <- event:
		return
	default:
	}
	atomic.AddInt32(&entry.lagged, 1)
	select {
	case <-entry.ch:
	default:
	}
	select {
	case entry.ch <- event:
	default:
	}
}

func deliverGlobal(entry *globalEntry, event GlobalEvent) {
	select {
	case entry.ch <- event:
		return
	default:
	}
	atomic.AddInt32(&entry.lagged, 1)
	select {
	case <-entry.ch:
	default:
	}
	select {
	case entry.ch <- event:
	default:
	}
}

// Subscribe returns a handle observing every event published on topic.
// The per-topic broadcast state is created on first subscription.
func (h *Hub) Subscribe(topic model.Topic) *SubscriberHandle {
	key := topic.Key()

	h.mu.Lock()
	state, ok := h.topics[key]
	if !ok {
		state = &topicState{subs: make(map[uint64]*subscriberEntry)}
		h.topics[key] = state
	}
	h.mu.Unlock()

	entry := &subscriberEntry{ch: make(chan model.ServerEvent, h.capacity)}
	id := h.allocID()

	state.mu.Lock()
	state.subs[id] = entry
	state.mu.Unlock()

	return &SubscriberHandle{ID: id, Topic: topic, hub: h, entry: entry}
}

// SubscribeAll returns a handle observing every publish across the hub.
func (h *Hub) SubscribeAll() *GlobalHandle {
	entry := &globalEntry{ch: make(chan GlobalEvent, h.capacity)}
	id := h.allocID()

	h.globalMu.Lock()
	h.global[id] = entry
	h.globalMu.Unlock()

	return &GlobalHandle{ID: id, hub: h, entry: entry}
}

// SubscriberCount reports the number of live subscribers to topic.
func (h *Hub) SubscriberCount(topic model.Topic) int {
	h.mu.RLock()
	state, ok := h.topics[topic.Key()]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return len(state.subs)
}

// GlobalSubscriberCount reports the number of live firehose subscribers.
func (h *Hub) GlobalSubscriberCount() int {
	h.globalMu.RLock()
	defer h.globalMu.RUnlock()
	return len(h.global)
}

func (h *Hub) removeSubscriber(topic model.Topic, id uint64) {
	h.mu.RLock()
	state, ok := h.topics[topic.Key()]
	h.mu.RUnlock()
	if !ok {
		return
	}
	state.mu.Lock()
	delete(state.subs, id)
	state.mu.Unlock()
}

func (h *Hub) removeGlobalSubscriber(id uint64) {
	h.globalMu.Lock()
	delete(h.global, id)
	h.globalMu.Unlock()
}
