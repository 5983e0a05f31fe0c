// Package devserver is an in-memory stand-in for the announcement back
// office: REST routes for the stats snapshot and mutations, plus a
// websocket channel that broadcasts every committed change.
package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayadmin/internal/adminapi"
)

const EventsPath = "/api/v1/events"

type ServerConfig struct {
	JWTSecret string
	// RateLimitPerSecond bounds requests per token subject; zero disables.
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	Logger             *slog.Logger
}

type Server struct {
	store  *Store
	cfg    ServerConfig
	hub    *hub
	logger *slog.Logger

	// commitMu orders store mutations with their broadcasts.
	commitMu sync.Mutex

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	faultMu      sync.Mutex
	statsFaults  int
	statsLatency time.Duration
}

func NewServer(store *Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *Store, cfg ServerConfig) *Server {
	if store == nil {
		store = NewStore()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitPerSecond < 0 {
		cfg.RateLimitPerSecond = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "devserver")
	return &Server{
		store:    store,
		cfg:      cfg,
		hub:      newHub(logger),
		logger:   logger,
		limiters: map[string]*rate.Limiter{},
	}
}

func (s *Server) Store() *Store {
	return s.store
}

// Subscribers reports the number of live event connections.
func (s *Server) Subscribers() int {
	return s.hub.count()
}

// DropConnections closes every event connection and reports how many
// were open.
func (s *Server) DropConnections() int {
	return s.hub.dropAll()
}

// FailStats makes the next n stats requests answer 503.
func (s *Server) FailStats(n int) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.statsFaults = n
}

// DelayStats holds every stats response for d. The counts are read after
// the delay, so changes committed meanwhile are in the response and are
// also broadcast to subscribers.
func (s *Server) DelayStats(d time.Duration) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.statsLatency = d
}

// Seed creates an announcement and broadcasts it like a REST create.
func (s *Server) Seed(in adminapi.CreateAnnouncementInput) adminapi.Announcement {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	item, ch := s.store.create(in)
	s.hub.broadcast(ch.kind, ch.payload)
	return item
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[2] == "events" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "events"
	case len(parts) == 4 && parts[2] == "announcements" && parts[3] == "stats" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "stats"
	case len(parts) == 3 && parts[2] == "announcements" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "list"
	case len(parts) == 3 && parts[2] == "announcements" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "create"
	case len(parts) == 4 && parts[2] == "announcements" && r.Method == http.MethodPatch:
		requiredScope = ScopeWrite
		route = "update"
	case len(parts) == 4 && parts[2] == "announcements" && r.Method == http.MethodDelete:
		requiredScope = ScopeWrite
		route = "delete"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if !s.allow(claims.Subject) {
		retryAfter := int(math.Ceil(1 / s.cfg.RateLimitPerSecond))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "events":
		s.handleEvents(w, r, claims)
	case "stats":
		s.handleStats(w, r, correlationID)
	case "list":
		s.handleList(w, r)
	case "create":
		s.handleCreate(w, r, correlationID)
	case "update":
		s.handleUpdate(w, r, parts[3], correlationID)
	case "delete":
		s.handleDelete(w, parts[3], correlationID)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, claims Claims) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	c := s.hub.add(claims.Subject)
	s.hub.serve(r.Context(), conn, c)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	s.faultMu.Lock()
	fail := s.statsFaults > 0
	if fail {
		s.statsFaults--
	}
	latency := s.statsLatency
	s.faultMu.Unlock()
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-r.Context().Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	if fail {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "stats temporarily unavailable", correlationID)
		return
	}
	// Read after the delay, like a slow backend answering late.
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := parseBool(r.URL.Query().Get("active"), false)
	writeJSON(w, http.StatusOK, adminapi.AnnouncementList{Items: s.store.List(activeOnly)})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var in adminapi.CreateAnnouncementInput
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "title is required", correlationID)
		return
	}
	s.commitMu.Lock()
	item, ch := s.store.create(in)
	s.hub.broadcast(ch.kind, ch.payload)
	s.commitMu.Unlock()
	s.logger.Info("announcement created", "id", item.ID, "active", item.IsActive, "correlation_id", correlationID)
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var in struct {
		IsActive *bool `json:"isActive"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	if in.IsActive == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "isActive is required", correlationID)
		return
	}
	s.commitMu.Lock()
	item, ch, ok := s.store.setActive(id, *in.IsActive)
	if ok && ch != nil {
		s.hub.broadcast(ch.kind, ch.payload)
	}
	s.commitMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "announcement not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDelete(w http.ResponseWriter, id, correlationID string) {
	s.commitMu.Lock()
	ch, ok := s.store.delete(id)
	if ok {
		s.hub.broadcast(ch.kind, ch.payload)
	}
	s.commitMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "announcement not found", correlationID)
		return
	}
	s.logger.Info("announcement deleted", "id", id, "correlation_id", correlationID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) allow(subject string) bool {
	if s.cfg.RateLimitPerSecond <= 0 {
		return true
	}
	s.limiterMu.Lock()
	limiter, ok := s.limiters[subject]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), s.cfg.RateLimitBurst)
		s.limiters[subject] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
