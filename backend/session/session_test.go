package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/yeanh16/marketfeed-gateway/backend/adapter"
	"github.com/yeanh16/marketfeed-gateway/backend/hub"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

// fakeConn is an in-memory Conn: inbound frames are fed through in,
// and every write lands on out so the test can assert on the
// sequence of ServerEvents the session produced.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-f.in:
		if !ok {
			return 0, nil, fmt.Errorf("fakeConn: closed")
		}
		return 1, msg, nil
	case <-f.closed:
		return 0, nil, fmt.Errorf("fakeConn: closed")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case f.out <- cp:
		return nil
	default:
		return fmt.Errorf("fakeConn: out buffer full")
	}
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) send(t *testing.T, v string) {
	t.Helper()
	f.in <- []byte(v)
}

func (f *fakeConn) recvEvent(t *testing.T) model.ServerEvent {
	t.Helper()
	select {
	case data := <-f.out:
		var evt model.ServerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("unmarshal event: %v, raw=%s", err, data)
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.ServerEvent{}
	}
}

// stubAdapter records Subscribe/Unsubscribe calls and lets the test
// publish synthetic venue events directly onto the shared hub.
type stubAdapter struct {
	id  model.VenueId
	hub *hub.Hub
}

func (s *stubAdapter) ID() model.VenueId               { return s.id }
func (s *stubAdapter) Start(context.Context)           {}
func (s *stubAdapter) State() adapter.State             { return adapter.StateConnected }
func (s *stubAdapter) Stop()                            {}
func (s *stubAdapter) Unsubscribe(_ []model.Channel)    {}
func (s *stubAdapter) Subscribe(_ context.Context, channels []model.Channel) error {
	go func() {
		for _, ch := range channels {
			topic := model.NewTopic(ch.ChannelType, ch.Exchange, ch.MarketType, ch.Symbol)
			s.hub.Publish(topic, model.TickerEvent(model.Ticker{
				Venue:  ch.Exchange,
				Market: ch.MarketType,
				Symbol: ch.Symbol,
			}))
		}
	}()
	return nil
}

func newHarness(t *testing.T) (*fakeConn, *hub.Hub, *adapter.Registry) {
	t.Helper()
	h := hub.New(0)
	reg := adapter.NewRegistry()
	if err := reg.Register(&stubAdapter{id: "binance", hub: h}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return newFakeConn(), h, reg
}

// TestClientSubscribeRoundTrip exercises S4: initial info, a
// subscribe-summary info, then a ticker event.
func TestClientSubscribeRoundTrip(t *testing.T) {
	conn, h, reg := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Accept(ctx, conn, h, reg)
	}()

	initial := conn.recvEvent(t)
	if initial.Type != model.EventInfo {
		t.Fatalf("expected initial info, got %+v", initial)
	}

	conn.send(t, `{"op":"subscribe","channels":[{"channel_type":"ticker","exchange":"binance","symbol":{"base":"BTC","quote":"USDT"}}]}`)

	summary := conn.recvEvent(t)
	if summary.Type != model.EventInfo {
		t.Fatalf("expected subscribe summary info, got %+v", summary)
	}

	ticker := conn.recvEvent(t)
	if ticker.Type != model.EventTicker || ticker.Ticker.Symbol.Base != "BTC" {
		t.Fatalf("expected BTC ticker event, got %+v", ticker)
	}

	conn.Close()
	<-done
}

// TestInvalidClientJSON exercises S6.
func TestInvalidClientJSON(t *testing.T) {
	conn, h, reg := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Accept(ctx, conn, h, reg)
	}()

	conn.recvEvent(t) // initial info

	conn.send(t, "not json")
	errEvt := conn.recvEvent(t)
	if errEvt.Type != model.EventError {
		t.Fatalf("expected error event, got %+v", errEvt)
	}

	conn.send(t, `{"op":"ping"}`)
	pong := conn.recvEvent(t)
	if pong.Type != model.EventInfo || pong.Message != "Pong" {
		t.Fatalf("expected info{Pong}, got %+v", pong)
	}

	conn.Close()
	<-done
}

// TestDisconnectReleasesSubscriptionSlots exercises invariant 7 and S5:
// after the session closes, no per-topic or global subscriber slot
// remains on the hub.
func TestDisconnectReleasesSubscriptionSlots(t *testing.T) {
	conn, h, reg := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Accept(ctx, conn, h, reg)
	}()

	conn.recvEvent(t) // initial info

	conn.send(t, `{"op":"subscribe","channels":[{"channel_type":"ticker","exchange":"binance","symbol":{"base":"BTC","quote":"USDT"}}]}`)
	conn.recvEvent(t) // subscribe summary
	conn.recvEvent(t) // ticker event

	topic := model.NewTopic(model.ChannelTicker, "binance", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	if h.SubscriberCount(topic) != 1 {
		t.Fatalf("expected one subscriber before disconnect, got %d", h.SubscriberCount(topic))
	}
	if h.GlobalSubscriberCount() != 1 {
		t.Fatalf("expected one global subscriber before disconnect, got %d", h.GlobalSubscriberCount())
	}

	conn.Close()
	<-done

	if h.SubscriberCount(topic) != 0 {
		t.Fatalf("expected subscription slot released after disconnect, got %d", h.SubscriberCount(topic))
	}
	if h.GlobalSubscriberCount() != 0 {
		t.Fatalf("expected firehose slot released after disconnect, got %d", h.GlobalSubscriberCount())
	}
}
