// Package apiserver exposes a read-only HTTP view of the relayer: a health
// probe and the current per-market funding caches.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldbell/perp-funding/backend/internal/relayer"
)

type Service struct {
	listenAddr string
	relayer    *relayer.Service
	logger     *slog.Logger
}

func New(listenAddr string, relayerService *relayer.Service, logger *slog.Logger) *Service {
	return &Service{
		listenAddr: listenAddr,
		relayer:    relayerService,
		logger:     logger,
	}
}

// Run serves until the context ends.
func (s *Service) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /funding", s.handleFunding)

	server := &http.Server{
		Addr:         s.listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("status api started", "addr", s.listenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Service) handleFunding(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"markets": s.relayer.MarketStatuses(),
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response", "err", err)
	}
}
