// Package api provides the HTTP API and middleware for the gate.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/rolegate/gate/internal/access"
	"github.com/amurg-ai/rolegate/gate/internal/auth"
	"github.com/amurg-ai/rolegate/gate/internal/config"
	"github.com/amurg-ai/rolegate/gate/internal/eventbus"
	"github.com/amurg-ai/rolegate/gate/internal/grant"
	"github.com/amurg-ai/rolegate/gate/internal/store"
	"github.com/amurg-ai/rolegate/pkg/x402"
)

// Server is the HTTP API server.
type Server struct {
	access       *access.Service
	store        store.Store
	authProvider auth.Provider
	bus          *eventbus.Bus
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	publicURL    string
	upgrader     websocket.Upgrader
	ipRL         *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(svc *access.Service, s store.Store, ap auth.Provider, bus *eventbus.Bus, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		access:       svc,
		store:        s,
		authProvider: ap,
		bus:          bus,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		publicURL:    strings.TrimRight(cfg.Server.PublicURL, "/"),
		upgrader:     makeUpgrader(cfg.Server.AllowedOrigins),
		ipRL:         newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Admin live feed (auth via header or ?token=, browsers cannot set headers on upgrade)
	mux.With(srv.authMiddleware, srv.adminMiddleware).Get("/ws/events", srv.handleEvents)

	// Public routes, limited per client IP.
	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.ipRL))

		r.Post("/api/user/access", srv.handleAccess)
		r.Get("/api/user/access/{serverID}/{payerID}", srv.handleEntitlement)
		r.Get("/api/user/invoice/{token}", srv.handleGetInvoice)
		r.Get("/api/servers", srv.handleListServers)
		r.Get("/api/server/{serverID}", srv.handleGetServer)
	})

	// Authenticated routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/api/user/invoice", srv.handleIssueInvoice)
		r.Post("/api/user/access/deliver", srv.handleDeliver)
		r.Get("/api/user/{payerID}", srv.handleGetPayer)

		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
			r.Get("/api/admin/grants", srv.handleAdminListGrants)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.ipRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Access handlers ---

type accessRequest struct {
	PayerID   string `json:"payer_id"`
	NetworkID string `json:"network_id"`
	ServerID  string `json:"server_id"`
	Duration  int64  `json:"duration"` // seconds
	Token     string `json:"token,omitempty"`
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.access.RequestAccess(r.Context(), access.Request{
		PayerID:   req.PayerID,
		NetworkID: req.NetworkID,
		ServerID:  req.ServerID,
		Duration:  req.Duration,
		Token:     req.Token,
		Payment:   r.Header.Get(x402.PaymentHeader),
		Resource:  s.resourceURL(r),
	})
	if res != nil && res.SettleHeader != "" {
		w.Header().Set(x402.PaymentResponseHeader, res.SettleHeader)
	}

	var perr *grant.ProvisioningError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"delivered":  true,
			"expires_at": res.Grant.ExpiresAt,
		})
	case errors.As(err, &perr):
		s.logger.Warn("invite delivery failed", "grant_id", perr.Grant.ID, "payer_id", req.PayerID, "error", perr.Err)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"delivered":  false,
			"expires_at": perr.Grant.ExpiresAt,
			"error":      "invite delivery failed; retry with /api/user/access/deliver",
		})
	default:
		s.writeServiceError(w, err)
	}
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		PayerID  string `json:"payer_id"`
		ServerID string `json:"server_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !getIdentityFromContext(r.Context()).CanActFor(req.PayerID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	g, err := s.access.Deliver(r.Context(), req.PayerID, req.ServerID)
	var perr *grant.ProvisioningError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "expires_at": g.ExpiresAt})
	case errors.As(err, &perr):
		s.logger.Warn("invite redelivery failed", "grant_id", perr.Grant.ID, "error", perr.Err)
		writeError(w, http.StatusBadGateway, "invite delivery failed")
	default:
		s.writeServiceError(w, err)
	}
}

func (s *Server) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	g, err := s.access.Entitlement(r.Context(), chi.URLParam(r, "serverID"), chi.URLParam(r, "payerID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if g == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entitled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entitled": true, "expires_at": g.ExpiresAt})
}

// --- Invoice handlers ---

func (s *Server) handleIssueInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		PayerID  string `json:"payer_id"`
		ServerID string `json:"server_id"`
		Duration int64  `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !getIdentityFromContext(r.Context()).CanActFor(req.PayerID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	inv, err := s.access.IssueInvoice(r.Context(), req.PayerID, req.ServerID, req.Duration)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      inv.Token,
		"expires_at": inv.ExpiresAt,
	})
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	view, err := s.access.Invoice(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Payer and catalog handlers ---

func (s *Server) handleGetPayer(w http.ResponseWriter, r *http.Request) {
	payerID := chi.URLParam(r, "payerID")
	if !getIdentityFromContext(r.Context()).CanActFor(payerID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	wallets, err := s.access.Wallets(r.Context(), payerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	type walletView struct {
		NetworkID    string `json:"network_id"`
		Address      string `json:"address"`
		Balance      string `json:"balance,omitempty"`
		Decimals     int    `json:"decimals"`
		BalanceError string `json:"balance_error,omitempty"`
	}
	out := make([]walletView, 0, len(wallets))
	for _, wb := range wallets {
		out = append(out, walletView{
			NetworkID:    wb.NetworkID,
			Address:      wb.Address,
			Balance:      wb.Balance,
			Decimals:     wb.Decimals,
			BalanceError: wb.BalanceError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"payer_id": payerID, "wallets": out})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.access.Servers(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if servers == nil {
		servers = []store.Server{}
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.access.Server(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// --- Admin handlers ---

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAdminListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := s.store.ListGrants(r.Context(), r.URL.Query().Get("server_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if grants == nil {
		grants = []store.AccessGrant{}
	}
	writeJSON(w, http.StatusOK, grants)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

// resourceURL is the URL a payment requirement is issued for.
func (s *Server) resourceURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL + r.URL.Path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// writeServiceError maps access errors to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		payErr      *access.PaymentRequiredError
		validErr    *access.ValidationError
		notFoundErr *access.NotFoundError
	)
	switch {
	case errors.As(err, &payErr):
		writeJSON(w, http.StatusPaymentRequired, payErr.Response())
	case errors.As(err, &validErr):
		writeError(w, http.StatusBadRequest, validErr.Error())
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, notFoundErr.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
