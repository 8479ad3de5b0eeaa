package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hw-allocation-broker/allocator"
	"hw-allocation-broker/api"
	"hw-allocation-broker/config"
	"hw-allocation-broker/health"
	"hw-allocation-broker/metrics"
	"hw-allocation-broker/notify"
	"hw-allocation-broker/rm"
	"hw-allocation-broker/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" || level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// hubStore narrows the store to the hub's subscribe contract.
type hubStore struct {
	*store.Store
}

func (h hubStore) Subscribe(ctx context.Context, channel string) notify.Subscription {
	return h.Store.Subscribe(ctx, channel)
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting hw-allocation-broker version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Single store connection for the whole process, injected everywhere.
	st, err := store.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("cannot reach state store")
	}
	defer st.Close()
	log.Info().Str("addr", cfg.RedisAddr).Msg("state store connected")

	bridge := notify.NewBridge(st)
	registry := allocator.NewRegistry(st, bridge, cfg.AllocationTTL)
	managers := rm.NewRegistry(st)
	client := rm.NewClient(cfg.ProbeTimeout, cfg.RequestTimeout)
	controller := allocator.NewController(registry, client)
	hub := notify.NewHub(hubStore{st})

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, st)
	api.New(registry, managers, controller, hub).Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
