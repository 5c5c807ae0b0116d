// Package model holds the canonical value types shared by the hub,
// venue adapters, session layer, and cache. Every type here is a plain
// value: copyable between goroutines, no embedded mutexes.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VenueId identifies an upstream exchange. It is used as a map key
// throughout the gateway, so equality is plain string equality.
type VenueId string

// MarketKind is the coarse product type of an instrument.
type MarketKind string

const (
	MarketSpot      MarketKind = "spot"
	MarketPerpetual MarketKind = "perpetual"
)

// ChannelKind is the data category within a market.
type ChannelKind string

const (
	ChannelTicker    ChannelKind = "ticker"
	ChannelOrderBook ChannelKind = "order_book"
)

// Symbol is a base/quote currency pair. Two symbols are equal iff both
// components are equal (case-sensitive, already-uppercased ASCII).
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Canonical renders the symbol in BASE-QUOTE form.
func (s Symbol) Canonical() string {
	return s.Base + "-" + s.Quote
}

func (s Symbol) String() string { return s.Canonical() }

// ParseSymbol parses a canonical BASE-QUOTE string as rendered by
// Canonical. It rejects anything without exactly one separator so a
// malformed query param fails validation instead of producing a
// symbol with an empty Base or Quote.
func ParseSymbol(canonical string) (Symbol, bool) {
	base, quote, ok := strings.Cut(canonical, "-")
	if !ok || base == "" || quote == "" {
		return Symbol{}, false
	}
	return Symbol{Base: base, Quote: quote}, true
}

// Channel is a client-facing subscription request for one market-data
// stream. Depth is only meaningful when ChannelType is ChannelOrderBook.
type Channel struct {
	ChannelType ChannelKind `json:"channel_type"`
	Exchange    VenueId     `json:"exchange"`
	MarketType  MarketKind  `json:"market_type,omitempty"`
	Symbol      Symbol      `json:"symbol"`
	Depth       *int        `json:"depth,omitempty"`
}

// Topic is the hub's routing key: (channel kind, venue, market, symbol).
// Two topics are equal iff their Key()s are equal, which holds iff all
// four components are equal — Key is a total bijection over Topic.
type Topic struct {
	Kind   ChannelKind
	Venue  VenueId
	Market MarketKind
	Symbol Symbol
}

// Key renders the topic as "kind:venue:market:base-quote". Every call
// site in the gateway builds a Topic through NewTopic, which fills an
// empty market with spot; Key itself does not check the fields, so a
// Topic literal without Market yields an empty market component.
func (t Topic) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", t.Kind, t.Venue, t.Market, t.Symbol.Canonical())
}

func NewTopic(kind ChannelKind, venue VenueId, market MarketKind, symbol Symbol) Topic {
	if market == "" {
		market = MarketSpot
	}
	return Topic{Kind: kind, Venue: venue, Market: market, Symbol: symbol}
}

// PriceLevel is one (price, quantity) entry of an order book. Quantity
// of zero means "delete this level" when applying a delta.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Ticker is the most recent best-bid/best-ask/last-trade snapshot for
// one (venue, market, symbol). Replaced wholesale on every update.
type Ticker struct {
	Timestamp time.Time       `json:"timestamp"`
	Venue     VenueId         `json:"exchange"`
	Market    MarketKind      `json:"market_type"`
	Symbol    Symbol          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
}

// OrderBookSnapshot supersedes any prior book state for its topic.
// Bids are sorted descending by price, asks ascending, no duplicate
// prices within a side.
type OrderBookSnapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Venue     VenueId      `json:"exchange"`
	Market    MarketKind   `json:"market_type"`
	Symbol    Symbol       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Checksum  *string      `json:"checksum,omitempty"`
}

// OrderBookDelta is applied atomically to the prior snapshot: upserts
// first, then removal of any price present in Deletes or whose upsert
// quantity is zero.
type OrderBookDelta struct {
	Timestamp  time.Time         `json:"timestamp"`
	Venue      VenueId           `json:"exchange"`
	Market     MarketKind        `json:"market_type"`
	Symbol     Symbol            `json:"symbol"`
	BidUpserts []PriceLevel      `json:"bid_upserts"`
	AskUpserts []PriceLevel      `json:"ask_upserts"`
	Deletes    []decimal.Decimal `json:"deletes,omitempty"`
}

// ClientRequestOp enumerates the client->server operator tag.
type ClientRequestOp string

const (
	OpSubscribe   ClientRequestOp = "subscribe"
	OpUnsubscribe ClientRequestOp = "unsubscribe"
	OpPing        ClientRequestOp = "ping"
)

// ClientRequest is a parsed inbound frame from a client session.
type ClientRequest struct {
	Op       ClientRequestOp `json:"op"`
	Channels []Channel       `json:"channels,omitempty"`
}

// ServerEventType is the "type" discriminator of an outbound frame.
type ServerEventType string

const (
	EventTicker            ServerEventType = "ticker"
	EventOrderBookSnapshot ServerEventType = "order_book_snapshot"
	EventOrderBookDelta    ServerEventType = "order_book_delta"
	EventInfo              ServerEventType = "info"
	EventError             ServerEventType = "error"
)

// ServerEvent is a canonical event, tagged for JSON wire transport by
// its MarshalJSON (wire.go). Exactly one payload field is populated per variant.
type ServerEvent struct {
	Type    ServerEventType
	Ticker  *Ticker
	Snap    *OrderBookSnapshot
	Delta   *OrderBookDelta
	Message string // Info/Error text
}

func TickerEvent(t Ticker) ServerEvent        { return ServerEvent{Type: EventTicker, Ticker: &t} }
func SnapshotEvent(s OrderBookSnapshot) ServerEvent {
	return ServerEvent{Type: EventOrderBookSnapshot, Snap: &s}
}
func DeltaEvent(d OrderBookDelta) ServerEvent { return ServerEvent{Type: EventOrderBookDelta, Delta: &d} }
func InfoEvent(msg string) ServerEvent        { return ServerEvent{Type: EventInfo, Message: msg} }
func ErrorEvent(msg string) ServerEvent       { return ServerEvent{Type: EventError, Message: msg} }

// SymbolMeta is exchange-reported instrument metadata, refreshable at
// runtime and persisted through the catalog's blob cache.
type SymbolMeta struct {
	Venue          VenueId         `json:"exchange"`
	Market         MarketKind      `json:"market_type"`
	VenueSymbol    string          `json:"venue_symbol"`
	Base           string          `json:"base"`
	Quote          string          `json:"quote"`
	PricePrecision int             `json:"price_precision"`
	TickSize       decimal.Decimal `json:"tick_size"`
	MinQty         decimal.Decimal `json:"min_qty"`
	StepSize       decimal.Decimal `json:"step_size"`
	Info           map[string]string `json:"info,omitempty"`
}

// PrecisionFromTickSize derives decimal price precision from a tick
// size string such as "0.001" (-> 3) or "1" (-> 0).
func PrecisionFromTickSize(tickSize string) (int, error) {
	tickSize = strings.TrimSpace(tickSize)
	d, err := decimal.NewFromString(tickSize)
	if err != nil {
		return 0, fmt.Errorf("parse tick size %q: %w", tickSize, err)
	}
	if d.IsZero() {
		return 0, fmt.Errorf("tick size %q must be positive", tickSize)
	}
	exp := d.Exponent()
	if exp >= 0 {
		return 0, nil
	}
	return int(-exp), nil
}

// ExchangeStatus is the catalog's reported health for a venue.
type ExchangeStatus string

const (
	ExchangeOnline      ExchangeStatus = "online"
	ExchangeOffline     ExchangeStatus = "offline"
	ExchangeMaintenance ExchangeStatus = "maintenance"
)

// ExchangeInfo backs the /api/exchanges collaborator surface.
type ExchangeInfo struct {
	ID      VenueId        `json:"id"`
	Name    string         `json:"name"`
	Status  ExchangeStatus `json:"status"`
	WSURL   string         `json:"ws_url"`
	RestURL string         `json:"rest_url"`
}

// Candlestick backs the /api/candles collaborator surface.
type Candlestick struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}
