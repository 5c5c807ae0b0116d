// Package httpapi implements the gateway's thin, explicitly
// out-of-core-scope HTTP collaborator surface: health/readiness,
// exchange and symbol catalog reads, historical candles, and the
// WebSocket upgrade entry point into backend/session. Grounded on
// original_source's routes/*.rs handlers and the teacher's
// api/server.go net/http-mux style (no router framework).
package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

// CandleStore reads historical OHLC bars from Postgres. Grounded on
// original_source's candle row shape (routes/candles.rs) behind a
// pgxpool connection, matching the teacher's go.mod dependency on
// jackc/pgx/v5 that no kept teacher file exercised.
type CandleStore struct {
	pool *pgxpool.Pool
}

// NewCandleStore dials dsn. A blank dsn is valid: Query then always
// returns ErrNoCandleStore, letting /api/candles respond 503 rather
// than the process failing to start without a configured database.
func NewCandleStore(ctx context.Context, dsn string) (*CandleStore, error) {
	if dsn == "" {
		return &CandleStore{}, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("candles: connect: %w", err)
	}
	return &CandleStore{pool: pool}, nil
}

// ErrNoCandleStore is returned by Query when no Postgres DSN was
// configured.
var ErrNoCandleStore = fmt.Errorf("candles: no database configured")

// Query returns up to limit candles for (venue, market, symbol) at
// interval, most recent last.
func (s *CandleStore) Query(ctx context.Context, venue model.VenueId, market model.MarketKind, symbol model.Symbol, interval string, limit int) ([]model.Candlestick, error) {
	if s.pool == nil {
		return nil, ErrNoCandleStore
	}

	rows, err := s.pool.Query(ctx, `
		SELECT bucket, open, high, low, close, volume
		FROM candles
		WHERE exchange = $1 AND market_type = $2 AND base = $3 AND quote = $4 AND interval = $5
		ORDER BY bucket DESC
		LIMIT $6`,
		venue, market, symbol.Base, symbol.Quote, interval, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("candles: query: %w", err)
	}
	defer rows.Close()

	var out []model.Candlestick
	for rows.Next() {
		var (
			bucket                      time.Time
			open, high, low, close, vol decimal.Decimal
		)
		if err := rows.Scan(&bucket, &open, &high, &low, &close, &vol); err != nil {
			return nil, fmt.Errorf("candles: scan: %w", err)
		}
		out = append(out, model.Candlestick{
			Timestamp: bucket,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    vol,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candles: rows: %w", err)
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close releases the underlying connection pool, if any.
func (s *CandleStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
