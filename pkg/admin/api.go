package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sony/gobreaker"

	"opennds-go/pkg/auth"
	"opennds-go/pkg/core"
)

// AuthRequest is the body of POST /api/v1/clients/{key}/auth. Zero values
// select the configured defaults.
type AuthRequest struct {
	Minutes       uint64 `json:"minutes"`
	UploadRate    uint64 `json:"upload_rate"`
	DownloadRate  uint64 `json:"download_rate"`
	UploadQuota   uint64 `json:"upload_quota"`
	DownloadQuota uint64 `json:"download_quota"`
	HID           string `json:"hid"`
	CID           string `json:"cid"`
	ClientType    string `json:"client_type"`
	Custom        string `json:"custom"`
}

// PreauthRequest is the body of POST /api/v1/clients.
type PreauthRequest struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Uptime   string       `json:"uptime"`
	Clients  core.Summary `json:"clients"`
	Firewall string       `json:"firewall,omitempty"`
}

const maxBodyBytes = 1 << 16

// setupRoutes configures all REST API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.securityHeadersMiddleware)
	s.router.Use(s.rateLimiter.Middleware)

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/clients", s.handleListClients).Methods(http.MethodGet)
	api.HandleFunc("/clients", s.handlePreauth).Methods(http.MethodPost)
	api.HandleFunc("/clients/{key}", s.handleGetClient).Methods(http.MethodGet)
	api.HandleFunc("/clients/{key}/auth", s.handleAuthClient).Methods(http.MethodPost)
	api.HandleFunc("/clients/{key}/deauth", s.handleDeauthClient).Methods(http.MethodPost)
	api.HandleFunc("/clients/{key}/block", s.handleBlockClient).Methods(http.MethodPost)
	api.HandleFunc("/clients/{key}/unblock", s.handleUnblockClient).Methods(http.MethodPost)
	api.HandleFunc("/config/reload", s.handleReloadConfig).Methods(http.MethodPost)

	if h := s.deps.Recorder.Handler(); h != nil {
		s.router.Handle("/metrics", s.authMiddleware(h)).Methods(http.MethodGet)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateClient), errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyClients), errors.Is(err, gobreaker.ErrOpenState):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrFirewallSideEffect):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) clientKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := mux.Vars(r)["key"]
	if err := ValidateClientKey(key); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return key, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Clients: s.deps.Registry.Summary(),
	}
	if s.deps.FirewallState != nil {
		resp.Firewall = s.deps.FirewallState()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	key, ok := s.clientKey(w, r)
	if !ok {
		return
	}
	c, err := s.deps.Registry.Find(key)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePreauth(w http.ResponseWriter, r *http.Request) {
	var req PreauthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ValidateIP(req.IP); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := ValidateMAC(req.MAC); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.deps.Controller.Preauth(req.MAC, req.IP)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info().Str("mac", c.MAC).Str("ip", c.IP).Msg("Client registered via admin API")
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleAuthClient(w http.ResponseWriter, r *http.Request) {
	key, ok := s.clientKey(w, r)
	if !ok {
		return
	}
	var req AuthRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	req.Custom = SanitizeString(req.Custom)
	if err := ValidateCustomData(req.Custom); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.deps.Controller.Authenticate(r.Context(), key, auth.Request{
		SessionLength: time.Duration(req.Minutes) * time.Minute,
		UploadRate:    req.UploadRate,
		DownloadRate:  req.DownloadRate,
		UploadQuota:   req.UploadQuota,
		DownloadQuota: req.DownloadQuota,
		HID:           req.HID,
		CID:           req.CID,
		ClientType:    req.ClientType,
		CustomData:    req.Custom,
	}, core.EventCtlAuth)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info().Str("mac", c.MAC).Str("ip", c.IP).Msg("Client authenticated via admin API")
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeauthClient(w http.ResponseWriter, r *http.Request) {
	key, ok := s.clientKey(w, r)
	if !ok {
		return
	}
	c, err := s.deps.Controller.Deauthenticate(key, core.EventCtlDeauth)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info().Str("mac", c.MAC).Str("ip", c.IP).Msg("Client deauthentication requested via admin API")
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "deauth queued", "id": c.ID})
}

func (s *Server) handleBlockClient(w http.ResponseWriter, r *http.Request) {
	s.changeState(w, r, s.deps.Controller.Block)
}

func (s *Server) handleUnblockClient(w http.ResponseWriter, r *http.Request) {
	s.changeState(w, r, s.deps.Controller.Unblock)
}

func (s *Server) changeState(w http.ResponseWriter, r *http.Request, fn func(string) (core.Client, error)) {
	key, ok := s.clientKey(w, r)
	if !ok {
		return
	}
	c, err := fn(key)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reloader == nil {
		s.writeError(w, http.StatusNotImplemented, "config reload not available")
		return
	}
	if err := s.deps.Reloader.PerformReload(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
