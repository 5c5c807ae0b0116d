// Package binance implements the Binance-like venue adapter: one
// WebSocket connection per market kind to a combined-stream endpoint,
// normalizing 24hrTicker and depth payloads into canonical events.
// Grounded on the teacher's lpmanager/adapters/binance.go (dial,
// read pump, reconnect, heartbeat shape) and the wire formats recorded
// in original_source's exchanges/binance/src/types.rs
// (BinanceTicker/BinanceStreamMessage — both the combined-stream
// {"stream":...,"data":{...}} envelope and the direct 24hrTicker
// object must parse).
package binance

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

// wsBase maps a market kind to the venue's combined-stream base URL.
// Perpetual futures use Binance's separate futures stream host; spot
// uses the standard one.
var wsBase = map[model.MarketKind]string{
	model.MarketSpot:      "wss://stream.binance.com:9443/stream",
	model.MarketPerpetual: "wss://fstream.binance.com/stream",
}

// RestURL is the venue's exchange-info endpoint, used by the catalog
// collaborator to populate the symbol mapper and SymbolMeta at
// startup, per lpmanager/adapters/binance.go's GetSymbols.
const RestURL = "https://api.binance.com/api/v3"

var reconnectDelay = 3 * time.Second

// marketConn is the single upstream connection for one market kind.
// Mutated only while mu is held; mu is also held across the
// SUBSCRIBE/UNSUBSCRIBE writes, which serializes writes on conn.
type marketConn struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	state      adapter.State
	subscribed map[string]model.Channel // stream name -> channel
	nextReqID  int64
}

// Adapter implements adapter.Adapter for Binance-like venues.
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

// New constructs a Binance-like adapter identified by id (so the same
// code can back a differently-named Binance-compatible venue).
func New(id model.VenueId, deps adapter.Deps) *Adapter {
	depth := deps.DefaultDepth
	if depth <= 0 {
		depth = 20
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

// streamName renders the venue-form stream token for one channel, per
// spec's SUBSCRIBE shape: "<sym>@ticker" or "<sym>@depth<N>".
func (a *Adapter) streamName(ch model.Channel) (string, error) {
	venueSym, ok := a.symbols.ToVenue(a.id, ch.Symbol)
	if !ok {
		venueSym = ch.Symbol.Base + ch.Symbol.Quote
	}
	lower := strings.ToLower(venueSym)
	switch ch.ChannelType {
	case model.ChannelTicker:
		return lower + "@ticker", nil
	case model.ChannelOrderBook:
		depth := a.defaultDepth
		if ch.Depth != nil {
			depth = *ch.Depth
		}
		return fmt.Sprintf("%s@depth%d", lower, depth), nil
	default:
		return "", fmt.Errorf("binance: unsupported channel type %q", ch.ChannelType)
	}
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Subscribe groups channels by market, dials (or reuses) the market's
// connection, and sends an incremental SUBSCRIBE frame. Per §4.2, a
// write failure on an already-connected market gets exactly one
// reconnect-and-resend of the full subscribed set before the error is
// surfaced.
func (a *Adapter) Subscribe(ctx context.Context, channels []model.Channel) error {
	if atomic.LoadInt32(&a.stopped) == 1 {
		return fmt.Errorf("binance: adapter stopped")
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

	streams := make([]string, 0, len(group))
	for _, ch := range group {
		name, err := a.streamName(ch)
		if err != nil {
			return err
		}
		mc.subscribed[name] = ch
		streams = append(streams, name)
	}

	if mc.conn == nil {
		if err := a.dialLocked(ctx, market, mc); err != nil {
			return fmt.Errorf("binance: dial %s: %w", market, err)
		}
	}

	if err := a.sendSubscribe(mc, streams); err != nil {
		logging.Warn("binance subscribe write failed, reconnecting", logging.Component("adapter.binance"), logging.String("venue", string(a.id)))
		a.closeLocked(market, mc)
		metrics.AdapterReconnects.WithLabelValues(string(a.id), string(market)).Inc()
		time.Sleep(reconnectDelay)
		if err := a.dialLocked(ctx, market, mc); err != nil {
			return fmt.Errorf("binance: reconnect %s: %w", market, err)
		}
		all := make([]string, 0, len(mc.subscribed))
		for name := range mc.subscribed {
			all = append(all, name)
		}
		if err := a.sendSubscribe(mc, all); err != nil {
			return fmt.Errorf("binance: resubscribe after reconnect failed: %w", err)
		}
	}
	return nil
}

func (a *Adapter) sendSubscribe(mc *marketConn, streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	mc.nextReqID++
	frame := subscribeFrame{Method: "SUBSCRIBE", Params: streams, ID: mc.nextReqID}
	return mc.conn.WriteJSON(frame)
}

// dialLocked opens the market's upstream connection and starts its
// read pump. Caller must hold mc.mu.
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

// Unsubscribe sends UNSUBSCRIBE frames best-effort; it never errors,
// per the common contract.
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
		streams := make([]string, 0, len(group))
		for _, ch := range group {
			name, err := a.streamName(ch)
			if err != nil {
				continue
			}
			delete(mc.subscribed, name)
			streams = append(streams, name)
		}
		if mc.conn != nil && len(streams) > 0 {
			frame := subscribeFrame{Method: "UNSUBSCRIBE", Params: streams, ID: mc.nextReqID + 1}
			mc.nextReqID++
			_ = mc.conn.WriteJSON(frame)
		}
		mc.mu.Unlock()
	}
}

func (a *Adapter) IsConnectedMarket(market model.MarketKind) bool {
	a.mu.RLock()
	mc, ok := a.markets[market]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.state == adapter.StateConnected
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

// readPump drains frames off conn, normalizes them, publishes through
// the hub, and applies the idle-teardown check after every publish.
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

// streamEnvelope covers the combined-stream {"stream":...,"data":...}
// shape; a direct 24hrTicker object leaves Stream empty and Data nil,
// in which case the whole message is the ticker payload.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data    json.RawMessage `json:"data"`
}

type wireTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
	CloseTime int64  `json:"C"`
}

type depthLevel = [2]string

type wireDepth struct {
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []depthLevel `json:"bids"`
	Asks         []depthLevel `json:"asks"`
}

func (a *Adapter) handleMessage(market model.MarketKind, message []byte) {
	var env streamEnvelope
	payload := message
	streamName := ""
	if err := json.Unmarshal(message, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
		streamName = env.Stream
	}

	// EventTime is listed so the "E" key matches it exactly instead of
	// being folded onto the string field "e" by encoding/json.
	var probe struct {
		EventType string       `json:"e"`
		EventTime int64        `json:"E"`
		Symbol    string       `json:"s"`
		Bids      []depthLevel `json:"bids"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		logging.Warn("binance: unparseable frame", logging.Component("adapter.binance"))
		metrics.AdapterMessageErrors.WithLabelValues(string(a.id), "unparseable_frame").Inc()
		return
	}

	if probe.Bids != nil {
		a.handleDepth(market, streamName, payload)
		return
	}
	a.handleTicker(market, payload)
}

func (a *Adapter) handleTicker(market model.MarketKind, payload []byte) {
	var wt wireTicker
	if err := json.Unmarshal(payload, &wt); err != nil {
		logging.Warn("binance: unparseable ticker", logging.Component("adapter.binance"))
		metrics.AdapterMessageErrors.WithLabelValues(string(a.id), "unparseable_ticker").Inc()
		return
	}
	symbol, err := a.symbols.ToCanonical(a.id, wt.Symbol)
	if err != nil {
		logging.Warn("binance: unparseable symbol", logging.Component("adapter.binance"), logging.String("venue_symbol", wt.Symbol))
		metrics.AdapterMessageErrors.WithLabelValues(string(a.id), "unparseable_symbol").Inc()
		return
	}

	last, err := parseDecimal(wt.Last)
	if err != nil {
		return
	}
	bid := last
	if wt.BidPrice != "" {
		if v, err := parseDecimal(wt.BidPrice); err == nil {
			bid = v
		}
	}
	ask := last
	if wt.AskPrice != "" {
		if v, err := parseDecimal(wt.AskPrice); err == nil {
			ask = v
		}
	}
	bidSize := zeroIfEmpty(wt.BidQty)
	askSize := zeroIfEmpty(wt.AskQty)

	ts := eventTimestamp(wt.EventTime, wt.CloseTime)

	ticker := model.Ticker{
		Timestamp: ts,
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

func (a *Adapter) handleDepth(market model.MarketKind, streamName string, payload []byte) {
	var wd wireDepth
	if err := json.Unmarshal(payload, &wd); err != nil {
		logging.Warn("binance: unparseable depth", logging.Component("adapter.binance"))
		return
	}
	// The combined-stream envelope's Stream field (e.g. "btcusdt@depth20")
	// is the exact key subscribeMarket stored the originating channel
	// under, so it is the only lookup needed to attribute this frame to
	// one symbol. A depth frame for a stream this market connection
	// doesn't have subscribed anymore (a race with Unsubscribe) or a
	// non-combined-stream frame is dropped rather than guessed at.
	ch, ok := a.channelForStream(market, streamName)
	if !ok {
		logging.Warn("binance: depth frame for unmapped stream", logging.Component("adapter.binance"), logging.String("stream", streamName))
		metrics.AdapterMessageErrors.WithLabelValues(string(a.id), "unmapped_depth_stream").Inc()
		return
	}

	snap := model.OrderBookSnapshot{
		Timestamp: time.Now().UTC(),
		Venue:     a.id,
		Market:    market,
		Symbol:    ch.Symbol,
		Bids:      toPriceLevels(wd.Bids),
		Asks:      toPriceLevels(wd.Asks),
	}
	a.cache.SetOrderBook(snap)
	topic := model.NewTopic(model.ChannelOrderBook, a.id, market, ch.Symbol)
	a.hub.Publish(topic, model.SnapshotEvent(snap))
	metrics.HubEventsPublished.WithLabelValues(string(model.ChannelOrderBook), string(a.id)).Inc()
	a.checkIdleTeardown(market, topic)
}

// channelForStream looks up the single model.Channel that
// subscribeMarket registered under streamName for market.
func (a *Adapter) channelForStream(market model.MarketKind, streamName string) (model.Channel, bool) {
	if streamName == "" {
		return model.Channel{}, false
	}
	a.mu.RLock()
	mc, ok := a.markets[market]
	a.mu.RUnlock()
	if !ok {
		return model.Channel{}, false
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	ch, ok := mc.subscribed[streamName]
	return ch, ok
}

// checkIdleTeardown is the sole mechanism for releasing upstream
// capacity: after every publish, close the market connection once
// nobody is listening for it anymore.
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

func toPriceLevels(raw []depthLevel) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
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

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty decimal")
	}
	return decimal.NewFromString(s)
}

func zeroIfEmpty(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func eventTimestamp(eventTimeMs, closeTimeMs int64) time.Time {
	if eventTimeMs > 0 {
		return time.UnixMilli(eventTimeMs).UTC()
	}
	if closeTimeMs > 0 {
		return time.UnixMilli(closeTimeMs).UTC()
	}
	return time.Now().UTC()
}

// FetchSymbols retrieves the venue's tradeable symbol list, used by
// the catalog collaborator to populate the symbol mapper and
// SymbolMeta at startup. Adapted from
// lpmanager/adapters/binance.go's GetSymbols.
func FetchSymbols(ctx context.Context, httpClient *http.Client) ([]model.SymbolMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, RestURL+"/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch exchange info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance: read exchange info: %w", err)
	}

	var exchangeInfo struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
			Filters    []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &exchangeInfo); err != nil {
		return nil, fmt.Errorf("binance: parse exchange info: %w", err)
	}

	out := make([]model.SymbolMeta, 0, len(exchangeInfo.Symbols))
	for _, s := range exchangeInfo.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		meta := model.SymbolMeta{
			Venue:       "binance",
			Market:      model.MarketSpot,
			VenueSymbol: s.Symbol,
			Base:        s.BaseAsset,
			Quote:       s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				meta.MinQty, _ = decimal.NewFromString(f.MinQty)
				meta.StepSize, _ = decimal.NewFromString(f.StepSize)
			case "PRICE_FILTER":
				meta.TickSize, _ = decimal.NewFromString(f.TickSize)
				if prec, err := model.PrecisionFromTickSize(f.TickSize); err == nil {
					meta.PricePrecision = prec
				}
			}
		}
		out = append(out, meta)
	}
	return out, nil
}
