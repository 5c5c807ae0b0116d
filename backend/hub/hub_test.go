package hub

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

func testTicker(last string) model.Ticker {
	d := decimal.RequireFromString(last)
	return model.Ticker{
		Venue:  "binance",
		Market: model.MarketSpot,
		Symbol: model.Symbol{Base: "BTC", Quote: "USDT"},
		Bid:    d,
		Ask:    d,
		Last:   d,
	}
}

func TestPublishSubscribeOrdering(t *testing.T) {
	h := New(0)
	topic := model.NewTopic(model.ChannelTicker, "binance", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	sub := h.Subscribe(topic)
	defer sub.Close()

	prices := []string{"1", "2", "3"}
	for _, p := range prices {
		h.Publish(topic, model.TickerEvent(testTicker(p)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, want := range prices {
		evt, lagged, err := sub.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if lagged {
			t.Fatal("unexpected lag for a never-overflowing consumer")
		}
		if evt.Ticker.Last.String() != want {
			t.Fatalf("got last=%s, want %s", evt.Ticker.Last.String(), want)
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	h := New(4)
	topic := model.NewTopic(model.ChannelTicker, "binance", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	sub := h.Subscribe(topic)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(topic, model.TickerEvent(testTicker("1")))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, lagged, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !lagged {
		t.Fatal("expected the slow subscriber to observe a lag")
	}
}

func TestSubscriberCounts(t *testing.T) {
	h := New(0)
	topic := model.NewTopic(model.ChannelTicker, "binance", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})

	if got := h.SubscriberCount(topic); got != 0 {
		t.Fatalf("SubscriberCount before subscribe = %d, want 0", got)
	}

	sub1 := h.Subscribe(topic)
	sub2 := h.Subscribe(topic)
	if got := h.SubscriberCount(topic); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}

	sub1.Close()
	if got := h.SubscriberCount(topic); got != 1 {
		t.Fatalf("SubscriberCount after one Close = %d, want 1", got)
	}
	sub2.Close()
	if got := h.SubscriberCount(topic); got != 0 {
		t.Fatalf("SubscriberCount after both Close = %d, want 0", got)
	}
}

func TestGlobalSubscriberReceivesEveryTopic(t *testing.T) {
	h := New(0)
	global := h.SubscribeAll()
	defer global.Close()

	topicA := model.NewTopic(model.ChannelTicker, "binance", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	topicB := model.NewTopic(model.ChannelTicker, "bybit", model.MarketSpot, model.Symbol{Base: "ETH", Quote: "USDT"})

	h.Publish(topicA, model.TickerEvent(testTicker("1")))
	h.Publish(topicB, model.TickerEvent(testTicker("2")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		evt, lagged, err := global.Recv(ctx)
		if err != nil || lagged {
			t.Fatalf("Recv: evt=%+v lagged=%v err=%v", evt, lagged, err)
		}
		seen[evt.Topic.Key()] = true
	}
	if !seen[topicA.Key()] || !seen[topicB.Key()] {
		t.Fatalf("global subscriber missed a topic: %+v", seen)
	}
	if got := h.GlobalSubscriberCount(); got != 1 {
		t.Fatalf("GlobalSubscriberCount = %d, want 1", got)
	}
}
