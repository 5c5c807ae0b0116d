package binance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yeanh16/marketfeed-gateway/backend/adapter"
	"github.com/yeanh16/marketfeed-gateway/backend/cache"
	"github.com/yeanh16/marketfeed-gateway/backend/hub"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

func newTestAdapter(t *testing.T) (*Adapter, *hub.Hub) {
	t.Helper()
	h := hub.New(0)
	c := cache.New(nil)
	sm := model.NewSymbolMapper()
	sm.Add("binance", "BTCUSDT", model.Symbol{Base: "BTC", Quote: "USDT"})
	return New("binance", adapter.Deps{Hub: h, Cache: c, Symbol: sm}), h
}

// TestDirectTickerRoundTrip exercises scenario S1: a direct
// 24hrTicker object (no "stream" envelope) must parse and publish.
func TestDirectTickerRoundTrip(t *testing.T) {
	a, h := newTestAdapter(t)
	topic := model.NewTopic(model.ChannelTicker, "binance", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	sub := h.Subscribe(topic)
	defer sub.Close()

	raw := []byte(`{"e":"24hrTicker","E":1757888604019,"s":"BTCUSDT","c":"115831.96","b":"115831.96","B":"0.20337","a":"115831.97","A":"12.85848"}`)
	a.handleMessage(model.MarketSpot, raw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, lagged, err := sub.Recv(ctx)
	if err != nil || lagged {
		t.Fatalf("Recv: evt=%+v lagged=%v err=%v", evt, lagged, err)
	}
	tk := evt.Ticker
	if tk == nil {
		t.Fatal("expected a ticker event")
	}
	if tk.Last.String() != "115831.96" || tk.Bid.String() != "115831.96" || tk.Ask.String() != "115831.97" {
		t.Fatalf("unexpected prices: %+v", tk)
	}
	if tk.BidSize.String() != "0.20337" || tk.AskSize.String() != "12.85848" {
		t.Fatalf("unexpected sizes: %+v", tk)
	}
	wantTs := time.UnixMilli(1757888604019).UTC()
	if !tk.Timestamp.Equal(wantTs) {
		t.Fatalf("Timestamp = %v, want %v", tk.Timestamp, wantTs)
	}
}

// TestCombinedStreamEnvelope exercises the {"stream":...,"data":{...}}
// shape alongside the direct object shape that TestDirectTickerRoundTrip covers.
func TestCombinedStreamEnvelope(t *testing.T) {
	a, h := newTestAdapter(t)
	topic := model.NewTopic(model.ChannelTicker, "binance", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	sub := h.Subscribe(topic)
	defer sub.Close()

	raw := []byte(`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT","c":"50000.00","b":"49999.00","a":"50001.00","B":"1.0","A":"2.0","E":1234567890}}`)
	a.handleMessage(model.MarketSpot, raw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, _, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !evt.Ticker.Last.Equal(decimal.RequireFromString("50000.00")) {
		t.Fatalf("Last = %s, want 50000.00", evt.Ticker.Last.String())
	}
}

// TestIdleTeardownClosesConnection exercises scenario S5.
func TestIdleTeardownClosesConnection(t *testing.T) {
	a, h := newTestAdapter(t)
	topic := model.NewTopic(model.ChannelTicker, "binance", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	sub := h.Subscribe(topic)

	if err := a.Subscribe(context.Background(), []model.Channel{
		{ChannelType: model.ChannelTicker, Exchange: "binance", MarketType: model.MarketSpot, Symbol: model.Symbol{Base: "BTC", Quote: "USDT"}},
	}); err == nil {
		// Dialing the real venue will fail in this sandbox; that's fine —
		// checkIdleTeardown doesn't require a live connection to run.
	}

	sub.Close()
	a.checkIdleTeardown(model.MarketSpot, topic)

	if a.IsConnectedMarket(model.MarketSpot) {
		t.Fatal("expected market to be idle after the only subscriber disconnected")
	}
}

// TestDepthFrameAttributesToCorrectSymbol exercises a market connection
// with two order-book channels subscribed at once: a depth frame for
// one stream must update and publish only that stream's symbol, never
// the other symbol sharing the same market connection.
func TestDepthFrameAttributesToCorrectSymbol(t *testing.T) {
	a, h := newTestAdapter(t)
	btc := model.Symbol{Base: "BTC", Quote: "USDT"}
	eth := model.Symbol{Base: "ETH", Quote: "USDT"}
	btcTopic := model.NewTopic(model.ChannelOrderBook, "binance", model.MarketSpot, btc)
	ethTopic := model.NewTopic(model.ChannelOrderBook, "binance", model.MarketSpot, eth)
	btcSub := h.Subscribe(btcTopic)
	defer btcSub.Close()
	ethSub := h.Subscribe(ethTopic)
	defer ethSub.Close()

	mc := a.getOrCreateMarket(model.MarketSpot)
	mc.subscribed["btcusdt@depth20"] = model.Channel{ChannelType: model.ChannelOrderBook, MarketType: model.MarketSpot, Symbol: btc}
	mc.subscribed["ethusdt@depth20"] = model.Channel{ChannelType: model.ChannelOrderBook, MarketType: model.MarketSpot, Symbol: eth}

	raw := []byte(`{"stream":"btcusdt@depth20","data":{"lastUpdateId":1,"bids":[["100.0","1.0"]],"asks":[["101.0","2.0"]]}}`)
	a.handleMessage(model.MarketSpot, raw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, _, err := btcSub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv(btc): %v", err)
	}
	if evt.Snap == nil || evt.Snap.Symbol != btc {
		t.Fatalf("expected a BTC-USDT snapshot, got %+v", evt.Snap)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if _, _, err := ethSub.Recv(shortCtx); err == nil {
		t.Fatal("ETH-USDT channel must not receive a snapshot from a BTC-USDT depth frame")
	}
}

func TestStreamNameFormat(t *testing.T) {
	a, _ := newTestAdapter(t)
	name, err := a.streamName(model.Channel{ChannelType: model.ChannelTicker, Symbol: model.Symbol{Base: "BTC", Quote: "USDT"}})
	if err != nil || name != "btcusdt@ticker" {
		t.Fatalf("streamName = (%q, %v), want (btcusdt@ticker, nil)", name, err)
	}

	depth := 10
	name, err = a.streamName(model.Channel{ChannelType: model.ChannelOrderBook, Symbol: model.Symbol{Base: "ETH", Quote: "USDT"}, Depth: &depth})
	if err != nil || name != "ethusdt@depth10" {
		t.Fatalf("streamName = (%q, %v), want (ethusdt@depth10, nil)", name, err)
	}
}
