// Package bybit implements the Bybit-like venue adapter. Shares the
// connection-lifecycle shape of backend/adapter/binance (itself
// grounded on the teacher's lpmanager/adapters/binance.go), but with
// Bybit's own subscribe frame and ticker wire format, recorded in
// original_source's exchanges/bybit/src/types.rs
// (BybitTicker/BybitTickerPayload/BybitMessage — ticker data arrives
// as either a single object or an array of objects).
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/yeanh16/marketfeed-gateway/backend/adapter"
	"github.com/yeanh16/marketfeed-gateway/backend/cache"
	"github.com/yeanh16/marketfeed-gateway/backend/hub"
	"github.com/yeanh16/marketfeed-gateway/backend/logging"
	"github.com/yeanh16/marketfeed-gateway/backend/metrics"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

var wsBase = map[model.MarketKind]string{
	model.MarketSpot:      "wss://stream.bybit.com/v5/public/spot",
	model.MarketPerpetual: "wss://stream.bybit.com/v5/public/linear",
}

// RestURL is the venue's instruments-info endpoint, used by the
// catalog collaborator to populate the symbol mapper and SymbolMeta
// at startup, per https://api.bybit.com/v5/market/instruments-info.
const RestURL = "https://api.bybit.com/v5/market"

// restCategory maps a market kind to bybit's instruments-info category
// query param.
var restCategory = map[model.MarketKind]string{
	model.MarketSpot:      "spot",
	model.MarketPerpetual: "linear",
}

var reconnectDelay = 3 * time.Second

type marketConn struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	state      adapter.State
	subscribed map[string]model.Channel // topic arg -> channel
}

// Adapter implements adapter.Adapter for Bybit-like venues.
type Adapter struct {
	id           model.VenueId
	symbols      *model.SymbolMapper
	hub          *hub.Hub
	cache        *cache.Cache
	defaultDepth int

	mu      sync.RWMutex
	markets map[model.MarketKind]*marketConn

	stopped int32
}

func New(id model.VenueId, deps adapter.Deps) *Adapter {
	depth := deps.DefaultDepth
	if depth <= 0 {
		depth = 1
	}
	return &Adapter{
		id:           id,
		symbols:      deps.Symbol,
		hub:          deps.Hub,
		cache:        deps.Cache,
		defaultDepth: depth,
		markets:      make(map[model.MarketKind]*marketConn),
	}
}

func (a *Adapter) ID() model.VenueId { return a.id }

func (a *Adapter) Start(ctx context.Context) {}

func (a *Adapter) State() adapter.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, mc := range a.markets {
		mc.mu.Lock()
		s := mc.state
		mc.mu.Unlock()
		if s == adapter.StateConnected {
			return adapter.StateConnected
		}
	}
	return adapter.StateIdle
}

func (a *Adapter) getOrCreateMarket(market model.MarketKind) *marketConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	mc, ok := a.markets[market]
	if !ok {
		mc = &marketConn{subscribed: make(map[string]model.Channel), state: adapter.StateIdle}
		a.markets[market] = mc
	}
	return mc
}

// topicArg renders the venue-form subscription arg: "tickers.<SYM>" or
// "orderbook.<depth>.<SYM>", where depth is the channel's Depth or else
// the adapter's default (1 unless Deps.DefaultDepth is set). The
// order-book depth is not pinned to 1.
func (a *Adapter) topicArg(ch model.Channel) (string, error) {
	venueSym, ok := a.symbols.ToVenue(a.id, ch.Symbol)
	if !ok {
		venueSym = ch.Symbol.Base + ch.Symbol.Quote
	}
	upper := strings.ToUpper(venueSym)
	switch ch.ChannelType {
	case model.ChannelTicker:
		return "tickers." + upper, nil
	case model.ChannelOrderBook:
		depth := a.defaultDepth
		if ch.Depth != nil {
			depth = *ch.Depth
		}
		return fmt.Sprintf("orderbook.%d.%s", depth, upper), nil
	default:
		return "", fmt.Errorf("bybit: unsupported channel type %q", ch.ChannelType)
	}
}

type opFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (a *Adapter) Subscribe(ctx context.Context, channels []model.Channel) error {
	if atomic.LoadInt32(&a.stopped) == 1 {
		return fmt.Errorf("bybit: adapter stopped")
	}
	byMarket := groupByMarket(channels)
	for market, group := range byMarket {
		mc := a.getOrCreateMarket(market)
		if err := a.subscribeMarket(ctx, market, mc, group); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) subscribeMarket(ctx context.Context, market model.MarketKind, mc *marketConn, group []model.Channel) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	args := make([]string, 0, len(group))
	for _, ch := range group {
		arg, err := a.topicArg(ch)
		if err != nil {
			return err
		}
		mc.subscribed[arg] = ch
		args = append(args, arg)
	}

	if mc.conn == nil {
		if err := a.dialLocked(ctx, market, mc); err != nil {
			return fmt.Errorf("bybit: dial %s: %w", market, err)
		}
	}

	if err := a.sendOp(mc, "subscribe", args); err != nil {
		logging.Warn("bybit subscribe write failed, reconnecting", logging.Component("adapter.bybit"), logging.String("venue", string(a.id)))
		a.closeLocked(market, mc)
		metrics.AdapterReconnects.WithLabelValues(string(a.id), string(market)).Inc()
		time.Sleep(reconnectDelay)
		if err := a.dialLocked(ctx, market, mc); err != nil {
			return fmt.Errorf("bybit: reconnect %s: %w", market, err)
		}
		all := make([]string, 0, len(mc.subscribed))
		for arg := range mc.subscribed {
			all = append(all, arg)
		}
		if err := a.sendOp(mc, "subscribe", all); err != nil {
			return fmt.Errorf("bybit: resubscribe after reconnect failed: %w", err)
		}
	}
	return nil
}

func (a *Adapter) sendOp(mc *marketConn, op string, args []string) error {
	if len(args) == 0 {
		return nil
	}
	return mc.conn.WriteJSON(opFrame{Op: op, Args: args})
}

func (a *Adapter) dialLocked(ctx context.Context, market model.MarketKind, mc *marketConn) error {
	mc.state = adapter.StateConnecting
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsBase[market], nil)
	if err != nil {
		mc.state = adapter.StateIdle
		return err
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	mc.conn = conn
	mc.cancel = cancel
	mc.state = adapter.StateConnected
	metrics.AdapterConnected.WithLabelValues(string(a.id), string(market)).Set(1)
	go a.readPump(pumpCtx, market, mc, conn)
	return nil
}

func (a *Adapter) closeLocked(market model.MarketKind, mc *marketConn) {
	mc.state = adapter.StateClosing
	if mc.cancel != nil {
		mc.cancel()
	}
	if mc.conn != nil {
		mc.conn.Close()
	}
	mc.conn = nil
	mc.state = adapter.StateIdle
	metrics.AdapterConnected.WithLabelValues(string(a.id), string(market)).Set(0)
}

func (a *Adapter) Unsubscribe(channels []model.Channel) {
	byMarket := groupByMarket(channels)
	for market, group := range byMarket {
		a.mu.RLock()
		mc, ok := a.markets[market]
		a.mu.RUnlock()
		if !ok {
			continue
		}
		mc.mu.Lock()
		args := make([]string, 0, len(group))
		for _, ch := range group {
			arg, err := a.topicArg(ch)
			if err != nil {
				continue
			}
			delete(mc.subscribed, arg)
			args = append(args, arg)
		}
		if mc.conn != nil && len(args) > 0 {
			_ = a.sendOp(mc, "unsubscribe", args)
		}
		mc.mu.Unlock()
	}
}

func (a *Adapter) Stop() {
	if !atomic.CompareAndSwapInt32(&a.stopped, 0, 1) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for market, mc := range a.markets {
		mc.mu.Lock()
		a.closeLocked(market, mc)
		mc.mu.Unlock()
	}
}

func groupByMarket(channels []model.Channel) map[model.MarketKind][]model.Channel {
	out := make(map[model.MarketKind][]model.Channel)
	for _, ch := range channels {
		market := ch.MarketType
		if market == "" {
			market = model.MarketSpot
		}
		out[market] = append(out[market], ch)
	}
	return out
}

func (a *Adapter) readPump(ctx context.Context, market model.MarketKind, mc *marketConn, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			mc.mu.Lock()
			if mc.conn == conn {
				a.closeLocked(market, mc)
			}
			mc.mu.Unlock()
			return
		}
		a.handleMessage(market, message)
	}
}

// wireTicker mirrors original_source's BybitTicker: every field but
// symbol/lastPrice is optional, since bid/ask may be absent (S3).
type wireTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Bid1Size  string `json:"bid1Size"`
	Ask1Price string `json:"ask1Price"`
	Ask1Size  string `json:"ask1Size"`
}

// wireMessage covers {"topic":...,"ts":...,"type":"snapshot"|"delta","data":<obj-or-array>}.
type wireMessage struct {
	Topic string          `json:"topic"`
	Ts    int64           `json:"ts"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

type wireOrderBook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

func (a *Adapter) handleMessage(market model.MarketKind, message []byte) {
	var msg wireMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Topic == "" {
		return // subscription ack / pong / control message: nothing to publish
	}

	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		a.handleTicker(market, msg)
	case strings.HasPrefix(msg.Topic, "orderbook."):
		a.handleOrderBook(market, msg)
	}
}

func (a *Adapter) handleTicker(market model.MarketKind, msg wireMessage) {
	for _, wt := range decodeTickerPayload(msg.Data) {
		symbol, err := a.symbols.ToCanonical(a.id, wt.Symbol)
		if err != nil {
			logging.Warn("bybit: unparseable symbol", logging.Component("adapter.bybit"), logging.String("venue_symbol", wt.Symbol))
			metrics.AdapterMessageErrors.WithLabelValues(string(a.id), "unparseable_symbol").Inc()
			continue
		}
		last, err := decimal.NewFromString(wt.LastPrice)
		if err != nil {
			continue
		}

		bid := last
		bidSize := decimal.Zero
		if wt.Bid1Price != "" {
			if v, err := decimal.NewFromString(wt.Bid1Price); err == nil {
				bid = v
			}
			if v, err := decimal.NewFromString(wt.Bid1Size); err == nil {
				bidSize = v
			}
		}
		ask := last
		askSize := decimal.Zero
		if wt.Ask1Price != "" {
			if v, err := decimal.NewFromString(wt.Ask1Price); err == nil {
				ask = v
			}
			if v, err := decimal.NewFromString(wt.Ask1Size); err == nil {
				askSize = v
			}
		}

		ticker := model.Ticker{
			Timestamp: time.UnixMilli(msg.Ts).UTC(),
			Venue:     a.id,
			Market:    market,
			Symbol:    symbol,
			Bid:       bid,
			Ask:       ask,
			Last:      last,
			BidSize:   bidSize,
			AskSize:   askSize,
		}
		a.cache.SetTicker(ticker)
		topic := model.NewTopic(model.ChannelTicker, a.id, market, symbol)
		a.hub.Publish(topic, model.TickerEvent(ticker))
		metrics.HubEventsPublished.WithLabelValues(string(model.ChannelTicker), string(a.id)).Inc()
		a.checkIdleTeardown(market, topic)
	}
}

// decodeTickerPayload accepts both shapes of BybitTickerPayload: a
// single object or an array of objects (S2 is the single-object case).
func decodeTickerPayload(raw json.RawMessage) []wireTicker {
	var one wireTicker
	if err := json.Unmarshal(raw, &one); err == nil && one.Symbol != "" {
		return []wireTicker{one}
	}
	var many []wireTicker
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func (a *Adapter) handleOrderBook(market model.MarketKind, msg wireMessage) {
	var ob wireOrderBook
	if err := json.Unmarshal(msg.Data, &ob); err != nil {
		logging.Warn("bybit: unparseable order book", logging.Component("adapter.bybit"))
		metrics.AdapterMessageErrors.WithLabelValues(string(a.id), "unparseable_order_book").Inc()
		return
	}
	symbol, err := a.symbols.ToCanonical(a.id, ob.Symbol)
	if err != nil {
		return
	}
	ts := time.UnixMilli(msg.Ts).UTC()
	topic := model.NewTopic(model.ChannelOrderBook, a.id, market, symbol)

	if msg.Type == "snapshot" {
		snap := model.OrderBookSnapshot{
			Timestamp: ts,
			Venue:     a.id,
			Market:    market,
			Symbol:    symbol,
			Bids:      toPriceLevels(ob.Bids),
			Asks:      toPriceLevels(ob.Asks),
		}
		a.cache.SetOrderBook(snap)
		a.hub.Publish(topic, model.SnapshotEvent(snap))
		metrics.HubEventsPublished.WithLabelValues(string(model.ChannelOrderBook), string(a.id)).Inc()
	} else {
		delta := model.OrderBookDelta{
			Timestamp:  ts,
			Venue:      a.id,
			Market:     market,
			Symbol:     symbol,
			BidUpserts: toPriceLevels(ob.Bids),
			AskUpserts: toPriceLevels(ob.Asks),
		}
		a.cache.ApplyDelta(delta)
		a.hub.Publish(topic, model.DeltaEvent(delta))
		metrics.HubEventsPublished.WithLabelValues(string(model.ChannelOrderBook), string(a.id)).Inc()
	}
	a.checkIdleTeardown(market, topic)
}

func toPriceLevels(raw [][]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			continue
		}
		out = append(out, model.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

func (a *Adapter) checkIdleTeardown(market model.MarketKind, topic model.Topic) {
	if a.hub.GlobalSubscriberCount() != 0 || a.hub.SubscriberCount(topic) != 0 {
		return
	}
	a.mu.RLock()
	mc, ok := a.markets[market]
	a.mu.RUnlock()
	if !ok {
		return
	}
	mc.mu.Lock()
	a.closeLocked(market, mc)
	mc.mu.Unlock()
}

// FetchSymbols retrieves the venue's tradeable spot instrument list,
// used by the catalog collaborator to populate the symbol mapper and
// SymbolMeta at startup. Mirrors binance.FetchSymbols's shape against
// bybit's own /v5/market/instruments-info response.
func FetchSymbols(ctx context.Context, httpClient *http.Client) ([]model.SymbolMeta, error) {
	url := fmt.Sprintf("%s/instruments-info?category=%s", RestURL, restCategory[model.MarketSpot])
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit: fetch instruments info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bybit: read instruments info: %w", err)
	}

	var instrumentsInfo struct {
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				BaseCoin  string `json:"baseCoin"`
				QuoteCoin string `json:"quoteCoin"`
				Status    string `json:"status"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
					QtyStep     string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &instrumentsInfo); err != nil {
		return nil, fmt.Errorf("bybit: parse instruments info: %w", err)
	}

	out := make([]model.SymbolMeta, 0, len(instrumentsInfo.Result.List))
	for _, s := range instrumentsInfo.Result.List {
		if s.Status != "Trading" {
			continue
		}
		meta := model.SymbolMeta{
			Venue:       "bybit",
			Market:      model.MarketSpot,
			VenueSymbol: s.Symbol,
			Base:        s.BaseCoin,
			Quote:       s.QuoteCoin,
		}
		meta.MinQty, _ = decimal.NewFromString(s.LotSizeFilter.MinOrderQty)
		meta.StepSize, _ = decimal.NewFromString(s.LotSizeFilter.QtyStep)
		if s.PriceFilter.TickSize != "" {
			meta.TickSize, _ = decimal.NewFromString(s.PriceFilter.TickSize)
			if prec, err := model.PrecisionFromTickSize(s.PriceFilter.TickSize); err == nil {
				meta.PricePrecision = prec
			}
		}
		out = append(out, meta)
	}
	return out, nil
}
