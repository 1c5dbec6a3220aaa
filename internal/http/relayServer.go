package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"vestnik/internal/auth"
	"vestnik/internal/metrics"
	"vestnik/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RelayServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewRelayServer(tokens *auth.TokenService, hub *relay.Hub, mt *metrics.Relay, gatherer prometheus.Gatherer, addr string) *RelayServer {
	server := relay.NewServer(tokens, hub, mt)

	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", server.HandleConnections)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "online": hub.Online()}); err != nil {
			log.Printf("failed to encode health response: %v", err)
		}
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if addr == "" {
		addr = ":8090"
	}

	return &RelayServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *RelayServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *RelayServer) Start() error {
	log.Printf("Relay started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *RelayServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
