package commands

import (
	"context"
	"encoding/base64"
	"log"
	"time"
	"vestnik/internal/auth"
	"vestnik/internal/config"
	"vestnik/internal/http"
	"vestnik/internal/metrics"
	"vestnik/internal/relay"
	"vestnik/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// RunRelay serves the relay and its admin API until ctx is cancelled.
func RunRelay(ctx context.Context, cfg *config.RelayConfig) error {
	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	tokens, err := auth.NewTokenService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelay(reg)

	hub, err := relay.NewHub(bbStorage, relayMetrics)
	if err != nil {
		return err
	}

	adminServer := http.NewAdminServer(tokens, hub, cfg.AdminAddr)
	relayServer := http.NewRelayServer(tokens, hub, relayMetrics, reg, cfg.RelayAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(relayServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := relayServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Relay server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}
