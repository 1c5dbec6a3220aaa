package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"vestnik/internal/api"
	"vestnik/internal/auth"
	"vestnik/internal/relay"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(tokens *auth.TokenService, hub *relay.Hub, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(tokens, hub)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", adminHandler.IssueTokenHandler)
	mux.HandleFunc("POST /admin/tokens/revoke", adminHandler.RevokeTokenHandler)
	mux.HandleFunc("GET /admin/peers", adminHandler.PeersHandler)

	if addr == "" {
		addr = "localhost:8091"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
