package model

import "testing"

func TestTopicKeyBijection(t *testing.T) {
	a := NewTopic(ChannelTicker, "binance", MarketSpot, Symbol{Base: "BTC", Quote: "USDT"})
	b := NewTopic(ChannelTicker, "binance", MarketSpot, Symbol{Base: "BTC", Quote: "USDT"})
	if a.Key() != b.Key() {
		t.Fatalf("identical topics produced different keys: %q vs %q", a.Key(), b.Key())
	}

	variants := []Topic{
		NewTopic(ChannelOrderBook, "binance", MarketSpot, Symbol{Base: "BTC", Quote: "USDT"}),
		NewTopic(ChannelTicker, "bybit", MarketSpot, Symbol{Base: "BTC", Quote: "USDT"}),
		NewTopic(ChannelTicker, "binance", MarketPerpetual, Symbol{Base: "BTC", Quote: "USDT"}),
		NewTopic(ChannelTicker, "binance", MarketSpot, Symbol{Base: "ETH", Quote: "USDT"}),
	}
	for _, v := range variants {
		if v.Key() == a.Key() {
			t.Fatalf("differing topic %+v produced the same key as %+v", v, a)
		}
	}
}

func TestParseSymbolRoundTrip(t *testing.T) {
	want := Symbol{Base: "BTC", Quote: "USDT"}
	got, ok := ParseSymbol(want.Canonical())
	if !ok || got != want {
		t.Fatalf("ParseSymbol(%q) = (%+v, %v), want (%+v, true)", want.Canonical(), got, ok, want)
	}
}

func TestParseSymbolRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "BTCUSDT", "BTC-", "-USDT"} {
		if _, ok := ParseSymbol(in); ok {
			t.Fatalf("ParseSymbol(%q) unexpectedly succeeded", in)
		}
	}
}

func TestSymbolMapperRoundTrip(t *testing.T) {
	m := NewSymbolMapper()
	canonical := Symbol{Base: "BTC", Quote: "USDT"}
	m.Add("binance", "BTCUSDT", canonical)

	got, err := m.ToCanonical("binance", "BTCUSDT")
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}
	if got != canonical {
		t.Fatalf("ToCanonical = %+v, want %+v", got, canonical)
	}

	venueSym, ok := m.ToVenue("binance", canonical)
	if !ok || venueSym != "BTCUSDT" {
		t.Fatalf("ToVenue = (%q, %v), want (BTCUSDT, true)", venueSym, ok)
	}

	roundTripped, err := m.ToCanonical("binance", venueSym)
	if err != nil || roundTripped != canonical {
		t.Fatalf("round trip failed: %+v, %v", roundTripped, err)
	}
}

func TestSymbolMapperFallbackHeuristic(t *testing.T) {
	m := NewSymbolMapper()
	cases := map[string]Symbol{
		"ETHUSDT": {Base: "ETH", Quote: "USDT"},
		"SOLUSDC": {Base: "SOL", Quote: "USDC"},
		"BNBBTC":  {Base: "BNB", Quote: "BTC"},
	}
	for input, want := range cases {
		got, err := m.ToCanonical("binance", input)
		if err != nil {
			t.Fatalf("ToCanonical(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ToCanonical(%q) = %+v, want %+v", input, got, want)
		}
	}
}

func TestSymbolMapperUnparseable(t *testing.T) {
	m := NewSymbolMapper()
	if _, err := m.ToCanonical("binance", "???"); err == nil {
		t.Fatal("expected an error for an unparseable symbol")
	}
}

func TestPrecisionFromTickSize(t *testing.T) {
	cases := map[string]int{
		"0.001":   3,
		"0.01":    2,
		"0.1":     1,
		"1":       0,
		"0.5":     1,
		"0.00001": 5,
	}
	for tick, want := range cases {
		got, err := PrecisionFromTickSize(tick)
		if err != nil {
			t.Fatalf("PrecisionFromTickSize(%q): %v", tick, err)
		}
		if got != want {
			t.Fatalf("PrecisionFromTickSize(%q) = %d, want %d", tick, got, want)
		}
	}
}
