// Package session terminates one client bidirectional connection.
// Grounded on the teacher's ws/hub.go ServeWs: the register/read-pump/
// write-pump split carries over, generalized from the teacher's single
// global broadcast hub to per-session firehose delivery
// (hub.SubscribeAll) filtered against a locally-tracked subscription
// set, with requests dispatched to the adapter registry instead of a
// trading engine. The JWT gate in ServeWs is dropped — this surface is
// read-only market data — and session id allocation uses
// github.com/google/uuid in its place.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yeanh16/marketfeed-gateway/backend/adapter"
	"github.com/yeanh16/marketfeed-gateway/backend/hub"
	"github.com/yeanh16/marketfeed-gateway/backend/logging"
	"github.com/yeanh16/marketfeed-gateway/backend/metrics"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn a Session needs, narrowed so
// tests can exercise the dispatch/forwarder logic against a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// topicSub is a marker handle kept purely so hub.SubscriberCount stays
// accurate for the adapter layer's idle-teardown check: the session
// never calls Recv on it, because delivery for every topic goes
// through the single firehose handle below. This reconciles the
// firehose-forwarding contract with the per-topic subscriber-count
// invariant idle teardown depends on.
type topicSub struct {
	channel model.Channel
	handle  *hub.SubscriberHandle
}

// Session terminates one client connection: an inbound reader
// dispatching ClientRequests to the adapter registry, and an outbound
// forwarder draining a firehose subscription filtered against the
// channels the client actually asked for.
type Session struct {
	ID uuid.UUID

	conn      Conn
	hub       *hub.Hub
	registry  *adapter.Registry
	firehose  *hub.GlobalHandle

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]topicSub // keyed by model.Topic.Key()
}

// Accept allocates a session over conn and runs it to completion,
// blocking until the connection closes. Call it from the HTTP upgrade
// handler's own goroutine.
func Accept(ctx context.Context, conn Conn, h *hub.Hub, registry *adapter.Registry) {
	s := &Session{
		ID:       uuid.New(),
		conn:     conn,
		hub:      h,
		registry: registry,
		firehose: h.SubscribeAll(),
		subs:     make(map[string]topicSub),
	}
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	defer s.cleanup()

	if err := s.writeEvent(model.InfoEvent(fmt.Sprintf("session %s connected", s.ID))); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.forwardLoop(ctx)
	}()

	s.readLoop(ctx)
	cancel()
	<-done
}

func (s *Session) cleanup() {
	s.firehose.Close()
	s.subsMu.Lock()
	subs := s.subs
	s.subs = nil
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.handle.Close()
	}
	s.conn.Close()
}

// readLoop parses inbound frames and dispatches them until the
// connection errors or closes. Per spec, binary frames are ignored
// with a warning and malformed JSON gets an Error reply rather than
// closing the session.
func (s *Session) readLoop(ctx context.Context) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			logging.Warn("session: ignoring binary frame", logging.Component("session"))
			continue
		}

		req, err := model.ParseClientRequest(data)
		if err != nil {
			_ = s.writeEvent(model.ErrorEvent(fmt.Sprintf("invalid request: %v", err)))
			continue
		}
		s.dispatch(ctx, req)
	}
}

func (s *Session) dispatch(ctx context.Context, req model.ClientRequest) {
	switch req.Op {
	case model.OpPing:
		_ = s.writeEvent(model.InfoEvent("Pong"))

	case model.OpSubscribe:
		s.handleSubscribe(ctx, req.Channels)

	case model.OpUnsubscribe:
		s.handleUnsubscribe(req.Channels)

	default:
		_ = s.writeEvent(model.ErrorEvent(fmt.Sprintf("unknown op %q", req.Op)))
	}
}

func (s *Session) handleSubscribe(ctx context.Context, channels []model.Channel) {
	groups := groupByVenue(channels)
	venues := make([]string, 0, len(groups))
	count := 0

	for venue, group := range groups {
		a, ok := s.registry.Get(venue)
		if !ok {
			_ = s.writeEvent(model.ErrorEvent(fmt.Sprintf("unknown exchange %q", venue)))
			continue
		}
		if err := a.Subscribe(ctx, group); err != nil {
			_ = s.writeEvent(model.ErrorEvent(fmt.Sprintf("subscribe %s: %v", venue, err)))
			continue
		}
		for _, ch := range group {
			s.addSub(ch)
		}
		venues = append(venues, string(venue))
		count += len(group)
	}

	if count > 0 {
		_ = s.writeEvent(model.InfoEvent(fmt.Sprintf("subscribed to %d channel(s) on %s", count, strings.Join(venues, ", "))))
	}
}

func (s *Session) handleUnsubscribe(channels []model.Channel) {
	groups := groupByVenue(channels)
	for venue, group := range groups {
		if a, ok := s.registry.Get(venue); ok {
			a.Unsubscribe(group)
		}
		for _, ch := range group {
			s.removeSub(ch)
		}
	}
}

func groupByVenue(channels []model.Channel) map[model.VenueId][]model.Channel {
	out := make(map[model.VenueId][]model.Channel)
	for _, ch := range channels {
		out[ch.Exchange] = append(out[ch.Exchange], ch)
	}
	return out
}

func (s *Session) topicFor(ch model.Channel) model.Topic {
	return model.NewTopic(ch.ChannelType, ch.Exchange, ch.MarketType, ch.Symbol)
}

// addSub opens a marker subscription on the channel's topic so the
// hub's per-topic subscriber count reflects this session's interest,
// and records the topic key for forwarder-side filtering.
func (s *Session) addSub(ch model.Channel) {
	topic := s.topicFor(ch)
	key := topic.Key()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, exists := s.subs[key]; exists {
		return
	}
	s.subs[key] = topicSub{channel: ch, handle: s.hub.Subscribe(topic)}
}

func (s *Session) removeSub(ch model.Channel) {
	key := s.topicFor(ch).Key()

	s.subsMu.Lock()
	sub, exists := s.subs[key]
	if exists {
		delete(s.subs, key)
	}
	s.subsMu.Unlock()

	if exists {
		sub.handle.Close()
	}
}

func (s *Session) isSubscribed(key string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	_, ok := s.subs[key]
	return ok
}

// forwardLoop drains the firehose and writes through every event whose
// topic the client is currently subscribed to. A lag notification
// becomes a synthetic Error event rather than terminating the session.
func (s *Session) forwardLoop(ctx context.Context) {
	for {
		evt, lagged, err := s.firehose.Recv(ctx)
		if err != nil {
			return
		}
		if lagged {
			if werr := s.writeEvent(model.ErrorEvent("lagged")); werr != nil {
				return
			}
			continue
		}
		if !s.isSubscribed(evt.Topic.Key()) {
			continue
		}
		if err := s.writeEvent(evt.Event); err != nil {
			return
		}
	}
}

func (s *Session) writeEvent(evt model.ServerEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
