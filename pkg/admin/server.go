// Package admin serves the HTTP control API.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"opennds-go/pkg/auth"
	"opennds-go/pkg/config"
	"opennds-go/pkg/core"
	"opennds-go/pkg/metrics"
)

// Controller performs client state changes. *auth.Workflow implements it.
type Controller interface {
	Authenticate(ctx context.Context, key string, req auth.Request, event string) (core.Client, error)
	Deauthenticate(key, event string) (core.Client, error)
	Preauth(mac, ip string) (core.Client, error)
	Block(key string) (core.Client, error)
	Unblock(key string) (core.Client, error)
}

// Reloader re-reads the configuration. *config.Reloader implements it.
type Reloader interface {
	PerformReload() error
}

// Deps are the collaborators of the admin server. Reloader and FirewallState are optional.
type Deps struct {
	Registry      *core.Registry
	Controller    Controller
	Recorder      metrics.Recorder
	Reloader      Reloader
	FirewallState func() string
}

// Server represents the admin API server
type Server struct {
	mu          sync.RWMutex
	cfg         config.AdminAPIConfig
	deps        Deps
	router      *mux.Router
	rateLimiter *RateLimiter
	httpServer  *http.Server
	started     time.Time
	logger      zerolog.Logger
}

// NewServer creates a new admin API server
func NewServer(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	if deps.Recorder == nil {
		deps.Recorder = metrics.NewNoopRecorder()
	}
	log := logger.With().Str("component", "admin").Logger()
	s := &Server{
		cfg:         cfg.AdminAPI,
		deps:        deps,
		router:      mux.NewRouter(),
		rateLimiter: NewRateLimiter(cfg.AdminAPI.RateLimit, cfg.AdminAPI.RateLimitBurst, log),
		started:     time.Now(),
		logger:      log,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Reconfigure replaces the token hash and timeouts. The listen address only
// changes on restart.
func (s *Server) Reconfigure(newConfig *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newConfig.AdminAPI.Listen != s.cfg.Listen {
		s.logger.Warn().Str("listen", newConfig.AdminAPI.Listen).Msg("Admin API listen address changes take effect on restart")
	}
	listen := s.cfg.Listen
	s.cfg = newConfig.AdminAPI
	s.cfg.Listen = listen
	return nil
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	if !cfg.Enabled {
		s.logger.Info().Msg("Admin API is disabled")
		return nil
	}
	if cfg.AuthTokenHash == "" {
		s.logger.Warn().Msg("Admin API has no auth token configured, every request is accepted")
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	go s.rateLimiter.RunCleanup(ctx, 10*time.Minute)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting admin API server")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin API server failed")
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware checks the bearer token against the configured bcrypt hash.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		hash := s.cfg.AuthTokenHash
		s.mu.RUnlock()
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			s.logger.Warn().Str("ip", remoteIP(r)).Str("endpoint", r.URL.Path).Msg("Failed admin authentication attempt")
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
