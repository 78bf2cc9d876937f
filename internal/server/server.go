// Package server exposes the live notification socket, health, metrics and
// stats endpoints, and serves locally stored artifacts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures the HTTP listener.
type Config struct {
	Addr         string `yaml:"addr"`
	ArtifactsDir string `yaml:"artifacts_dir"`
}

// DefaultConfig listens on :8080.
func DefaultConfig() Config {
	return Config{Addr: ":8080"}
}

// Handlers are the routes the server mounts. Nil handlers are not mounted.
type Handlers struct {
	Socket  http.Handler
	Health  http.Handler
	Metrics http.Handler
	// Stats returns a JSON-encodable snapshot of component counters.
	Stats func() any
}

// Server is the process's single HTTP listener.
type Server struct {
	config Config
	srv    *http.Server
}

// New builds the mux.
func New(config Config, h Handlers) *Server {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	return &Server{
		config: config,
		srv: &http.Server{
			Addr:              config.Addr,
			Handler:           newMux(config, h),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func newMux(config Config, h Handlers) *http.ServeMux {
	mux := http.NewServeMux()

	if h.Socket != nil {
		mux.Handle("/ws", h.Socket)
	}
	if h.Health != nil {
		mux.Handle("/health", h.Health)
	}
	if h.Metrics != nil {
		mux.Handle("/metrics", h.Metrics)
	}
	if h.Stats != nil {
		mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(h.Stats())
		})
	}
	if config.ArtifactsDir != "" {
		mux.Handle("/artifacts/", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(config.ArtifactsDir))))
	}
	return mux
}

// Handler returns the mux.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down with a 5s grace period.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("server: HTTP server started (ws + health + metrics + artifacts)")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("server: stopped")
	return nil
}
