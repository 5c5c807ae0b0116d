package bybit

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
	sm.Add("bybit", "BTCUSDT", model.Symbol{Base: "BTC", Quote: "USDT"})
	return New("bybit", adapter.Deps{Hub: h, Cache: c, Symbol: sm}), h
}

// TestSingleObjectTickerPayload exercises scenario S2.
func TestSingleObjectTickerPayload(t *testing.T) {
	a, h := newTestAdapter(t)
	topic := model.NewTopic(model.ChannelTicker, "bybit", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	sub := h.Subscribe(topic)
	defer sub.Close()

	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1673272861686,"data":{"symbol":"BTCUSDT","lastPrice":"17216.00","bid1Price":"17215.50","bid1Size":"84.489","ask1Price":"17216.00","ask1Size":"83.020"}}`)
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
	if !tk.Bid.Equal(decimal.RequireFromString("17215.50")) || !tk.Ask.Equal(decimal.RequireFromString("17216.00")) || !tk.Last.Equal(decimal.RequireFromString("17216.00")) {
		t.Fatalf("unexpected prices: %+v", tk)
	}
	if !tk.BidSize.Equal(decimal.RequireFromString("84.489")) || !tk.AskSize.Equal(decimal.RequireFromString("83.020")) {
		t.Fatalf("unexpected sizes: %+v", tk)
	}
}

// TestMissingBidAskSubstitutesLastPrice exercises scenario S3.
func TestMissingBidAskSubstitutesLastPrice(t *testing.T) {
	a, h := newTestAdapter(t)
	topic := model.NewTopic(model.ChannelTicker, "bybit", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	sub := h.Subscribe(topic)
	defer sub.Close()

	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1673272861686,"data":{"symbol":"BTCUSDT","lastPrice":"17216.00","bid1Price":"","ask1Price":"17216.50","ask1Size":"10"}}`)
	a.handleMessage(model.MarketSpot, raw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, _, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	tk := evt.Ticker
	if !tk.Bid.Equal(decimal.RequireFromString("17216.00")) {
		t.Fatalf("Bid = %s, want last price 17216.00 substituted", tk.Bid.String())
	}
	if !tk.BidSize.IsZero() {
		t.Fatalf("BidSize = %s, want 0", tk.BidSize.String())
	}
}

// TestArrayTickerPayload covers the "data" array shape of
// BybitTickerPayload alongside the single-object shape S2 covers.
func TestArrayTickerPayload(t *testing.T) {
	a, h := newTestAdapter(t)
	sm := model.NewSymbolMapper()
	sm.Add("bybit", "BTCUSDT", model.Symbol{Base: "BTC", Quote: "USDT"})
	sm.Add("bybit", "ETHUSDT", model.Symbol{Base: "ETH", Quote: "USDT"})
	a.symbols = sm

	topicBTC := model.NewTopic(model.ChannelTicker, "bybit", model.MarketSpot, model.Symbol{Base: "BTC", Quote: "USDT"})
	topicETH := model.NewTopic(model.ChannelTicker, "bybit", model.MarketSpot, model.Symbol{Base: "ETH", Quote: "USDT"})
	subBTC := h.Subscribe(topicBTC)
	subETH := h.Subscribe(topicETH)
	defer subBTC.Close()
	defer subETH.Close()

	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1673272861686,"data":[{"symbol":"BTCUSDT","lastPrice":"17216.00"},{"symbol":"ETHUSDT","lastPrice":"1200.00"}]}`)
	a.handleMessage(model.MarketSpot, raw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if evt, _, err := subBTC.Recv(ctx); err != nil || !evt.Ticker.Last.Equal(decimal.RequireFromString("17216.00")) {
		t.Fatalf("BTC: evt=%+v err=%v", evt, err)
	}
	if evt, _, err := subETH.Recv(ctx); err != nil || !evt.Ticker.Last.Equal(decimal.RequireFromString("1200.00")) {
		t.Fatalf("ETH: evt=%+v err=%v", evt, err)
	}
}

func TestTopicArgFormat(t *testing.T) {
	a, _ := newTestAdapter(t)
	arg, err := a.topicArg(model.Channel{ChannelType: model.ChannelTicker, Symbol: model.Symbol{Base: "BTC", Quote: "USDT"}})
	if err != nil || arg != "tickers.BTCUSDT" {
		t.Fatalf("topicArg = (%q, %v), want (tickers.BTCUSDT, nil)", arg, err)
	}
	arg, err = a.topicArg(model.Channel{ChannelType: model.ChannelOrderBook, Symbol: model.Symbol{Base: "BTC", Quote: "USDT"}})
	if err != nil || arg != "orderbook.1.BTCUSDT" {
		t.Fatalf("topicArg = (%q, %v), want (orderbook.1.BTCUSDT, nil)", arg, err)
	}
}
