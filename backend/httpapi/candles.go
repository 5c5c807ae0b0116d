package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/yeanh16/marketfeed-gateway/backend/cache"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

const defaultCandleLimit = 500

// handleCandles serves GET /api/candles?exchange=&market_type=&symbol=&interval=&limit=,
// where symbol is the canonical BASE-QUOTE form (model.Symbol.Canonical),
// behind the catalog's 30-second freshness cache
// (cache.TTLCandleResponse, recovered verbatim from original_source's
// CACHE_TTL_SECONDS) so a burst of chart refreshes does not each hit
// Postgres.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	venue := model.VenueId(q.Get("exchange"))
	market := model.MarketKind(q.Get("market_type"))
	if market == "" {
		market = model.MarketSpot
	}
	interval := q.Get("interval")
	if venue == "" || q.Get("symbol") == "" || interval == "" {
		writeError(w, http.StatusBadRequest, "exchange, symbol and interval are required")
		return
	}
	symbol, ok := model.ParseSymbol(q.Get("symbol"))
	if !ok {
		writeError(w, http.StatusBadRequest, "symbol must be in BASE-QUOTE form")
		return
	}

	limit := defaultCandleLimit
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	ctx := r.Context()
	cacheKey := fmt.Sprintf("%s:%s:%s:%s:%d", venue, market, symbol.Canonical(), interval, limit)

	if cached, ok := s.readCandleCache(ctx, cacheKey); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	candles, err := s.Candles.Query(ctx, venue, market, symbol, interval, limit)
	if err != nil {
		if err == ErrNoCandleStore {
			writeError(w, http.StatusServiceUnavailable, "candle storage is not configured")
			return
		}
		writeError(w, http.StatusInternalServerError, "candle query failed")
		return
	}

	s.writeCandleCache(ctx, cacheKey, candles)
	writeJSON(w, http.StatusOK, candles)
}

func (s *Server) readCandleCache(ctx context.Context, key string) ([]model.Candlestick, bool) {
	data, err := s.App.Cache.Blobs.Get(ctx, cache.NSCandles+":"+key)
	if err != nil {
		return nil, false
	}
	var out []model.Candlestick
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (s *Server) writeCandleCache(ctx context.Context, key string, candles []model.Candlestick) {
	data, err := json.Marshal(candles)
	if err != nil {
		return
	}
	_ = s.App.Cache.Blobs.Set(ctx, cache.NSCandles+":"+key, data, cache.TTLCandleResponse)
}
