// Package app composes the gateway's shared collaborators — the
// stream hub, the cache, the symbol mapper, and the venue adapter
// registry — into the single object backend/cmd/gateway constructs at
// startup and backend/httpapi reads from per request. Grounded on the
// teacher's api.Server struct (backend/api/server.go): a single struct
// holding every shared service, built once in main and threaded
// through the HTTP handlers, trimmed to the gateway's own dependency
// graph instead of the teacher's auth/OMS/risk/FIX stack.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yeanh16/marketfeed-gateway/backend/adapter"
	"github.com/yeanh16/marketfeed-gateway/backend/adapter/binance"
	"github.com/yeanh16/marketfeed-gateway/backend/adapter/bybit"
	"github.com/yeanh16/marketfeed-gateway/backend/cache"
	"github.com/yeanh16/marketfeed-gateway/backend/config"
	"github.com/yeanh16/marketfeed-gateway/backend/hub"
	"github.com/yeanh16/marketfeed-gateway/backend/logging"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

// App holds every collaborator the HTTP/WS surface needs.
type App struct {
	Config    *config.Config
	Hub       *hub.Hub
	Cache     *cache.Cache
	Symbols   *model.SymbolMapper
	Registry  *adapter.Registry
	Exchanges []model.ExchangeInfo

	restClient *http.Client
}

// venueFactory constructs an adapter.Adapter for one venue id. New is
// registered per venue family; the same family can back multiple
// venue ids (e.g. a Binance-compatible venue running under a
// different brand name).
type venueFactory func(id model.VenueId, deps adapter.Deps) adapter.Adapter

var venueFactories = map[string]venueFactory{
	"binance": func(id model.VenueId, deps adapter.Deps) adapter.Adapter { return binance.New(id, deps) },
	"bybit":   func(id model.VenueId, deps adapter.Deps) adapter.Adapter { return bybit.New(id, deps) },
}

var venueExchangeInfo = map[string]model.ExchangeInfo{
	"binance": {Name: "Binance", WSURL: "wss://stream.binance.com:9443/stream", RestURL: binance.RestURL},
	"bybit":   {Name: "Bybit", WSURL: "wss://stream.bybit.com/v5/public", RestURL: bybit.RestURL},
}

// New builds an App from cfg: a hub with a fixed 256-event buffer per
// subscriber, an
// in-memory or Redis-backed blob cache depending on whether a Redis
// address was configured, and one registered adapter per entry in
// cfg.Venues. Adapters are registered but not started — call Start.
func New(cfg *config.Config) (*App, error) {
	blobs, err := newBlobStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build blob store: %w", err)
	}

	a := &App{
		Config:     cfg,
		Hub:        hub.New(256),
		Cache:      cache.New(blobs),
		Symbols:    model.NewSymbolMapper(),
		Registry:   adapter.NewRegistry(),
		restClient: &http.Client{Timeout: cfg.RESTTimeout},
	}

	deps := adapter.Deps{Hub: a.Hub, Cache: a.Cache, Symbol: a.Symbols, DefaultDepth: cfg.DefaultDepth}
	for _, venue := range cfg.Venues {
		factory, ok := venueFactories[venue]
		if !ok {
			return nil, fmt.Errorf("app: no adapter family registered for venue %q", venue)
		}
		if err := a.Registry.Register(factory(model.VenueId(venue), deps)); err != nil {
			return nil, fmt.Errorf("app: register venue %q: %w", venue, err)
		}
		info := venueExchangeInfo[venue]
		info.ID = model.VenueId(venue)
		info.Status = model.ExchangeOnline
		a.Exchanges = append(a.Exchanges, info)
	}

	return a, nil
}

// newBlobStore picks the catalog's blob-store backend per
// cfg.Redis.Addr, in the teacher's config-selects-backend style
// (backend/cache/redis.go's DefaultRedisConfig/NewRedisCache
// counterpart for this repo's BlobStore abstraction).
func newBlobStore(cfg *config.Config) (cache.BlobStore, error) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemoryBlobStore(), nil
	}
	client, err := cache.DialRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	return cache.NewRedisBlobStore(client, "marketfeed"), nil
}

// Start begins every registered adapter and, for adapters that expose
// a catalog fetch, refreshes the symbol mapper in the background (see
// refreshCatalog). Start does not wait for the first refresh.
func (a *App) Start(ctx context.Context) {
	for _, ad := range a.Registry.List() {
		ad.Start(ctx)
		logging.Info("app: adapter started", logging.Component("app"), logging.String("venue", string(ad.ID())))
	}
	go a.refreshCatalog(ctx)
}

// refreshCatalog populates the symbol mapper from each venue's REST
// catalog, retrying on a fixed interval rather than failing startup —
// the gateway still accepts subscriptions using the client-supplied
// canonical symbol even before the catalog is warm.
func (a *App) refreshCatalog(ctx context.Context) {
	const retryInterval = 5 * time.Minute
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	a.fetchBinanceCatalog(ctx)
	a.fetchBybitCatalog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.fetchBinanceCatalog(ctx)
			a.fetchBybitCatalog(ctx)
		}
	}
}

func (a *App) fetchBinanceCatalog(ctx context.Context) {
	if _, ok := a.Registry.Get("binance"); !ok {
		return
	}
	metas, err := binance.FetchSymbols(ctx, a.restClient)
	if err != nil {
		logging.Warn("app: binance catalog refresh failed", logging.Component("app"), logging.String("error", err.Error()))
		return
	}
	for _, meta := range metas {
		a.Symbols.Add(meta.Venue, meta.VenueSymbol, model.Symbol{Base: meta.Base, Quote: meta.Quote})
	}
	if err := a.storeSymbolCatalog(ctx, "binance", metas); err != nil {
		logging.Warn("app: binance catalog persist failed", logging.Component("app"), logging.String("error", err.Error()))
	}
	logging.Info("app: binance catalog refreshed", logging.Component("app"), logging.Int("count", len(metas)))
}

func (a *App) fetchBybitCatalog(ctx context.Context) {
	if _, ok := a.Registry.Get("bybit"); !ok {
		return
	}
	metas, err := bybit.FetchSymbols(ctx, a.restClient)
	if err != nil {
		logging.Warn("app: bybit catalog refresh failed", logging.Component("app"), logging.String("error", err.Error()))
		return
	}
	for _, meta := range metas {
		a.Symbols.Add(meta.Venue, meta.VenueSymbol, model.Symbol{Base: meta.Base, Quote: meta.Quote})
	}
	if err := a.storeSymbolCatalog(ctx, "bybit", metas); err != nil {
		logging.Warn("app: bybit catalog persist failed", logging.Component("app"), logging.String("error", err.Error()))
	}
	logging.Info("app: bybit catalog refreshed", logging.Component("app"), logging.Int("count", len(metas)))
}

// storeSymbolCatalog persists venue's fetched metadata into the
// catalog's blob store so /api/symbols can serve it without re-fetching
// the venue's REST endpoint on every request.
func (a *App) storeSymbolCatalog(ctx context.Context, venue string, metas []model.SymbolMeta) error {
	data, err := json.Marshal(metas)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	key := fmt.Sprintf("%s:%s", cache.NSSymbols, venue)
	return a.Cache.Blobs.Set(ctx, key, data, cache.TTLSymbolCatalog)
}

// Stop tears every adapter down, used on graceful shutdown.
func (a *App) Stop() {
	a.Registry.StopAll()
}
