// Command gateway is the process entry point: load configuration,
// build the application's shared collaborators, start every venue
// adapter, serve the HTTP/WS surface, and tear down cleanly on
// SIGINT/SIGTERM. Grounded on the teacher's cmd/server/main.go
// load-config/build-services/register-routes/listen sequence, trimmed
// to the gateway's own dependency graph — no OANDA historical-tick
// loading, no broker/JWT/FIX provisioning.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yeanh16/marketfeed-gateway/backend/app"
	"github.com/yeanh16/marketfeed-gateway/backend/config"
	"github.com/yeanh16/marketfeed-gateway/backend/httpapi"
	"github.com/yeanh16/marketfeed-gateway/backend/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("gateway: load config", err)
	}
	logging.SetLevel(parseLevel(cfg.LogLevel))

	a, err := app.New(cfg)
	if err != nil {
		logging.Fatal("gateway: build application", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	candles, err := httpapi.NewCandleStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		logging.Fatal("gateway: build candle store", err)
	}
	defer candles.Close()

	a.Start(ctx)

	srv := httpapi.NewServer(a, candles)
	httpSrv := &http.Server{
		Addr:    cfg.Bind,
		Handler: srv.Handler(),
	}

	go func() {
		logging.Info("gateway: listening", logging.Component("gateway"), logging.String("bind", cfg.Bind))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal("gateway: http server", err)
		}
	}()

	waitForShutdown()

	logging.Info("gateway: shutting down", logging.Component("gateway"))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	cancel()
	a.Stop()
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func parseLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}
