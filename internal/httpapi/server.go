// Package httpapi exposes the patchbay graph and its commands over a small
// local HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/patchbay/internal/engine"
	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/layout"
)

// Caller runs fn on the engine's dispatch loop and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

type Graph interface {
	Snapshot() engine.GraphSnapshot
	CurrentLayout() *layout.Manifest
}

// Commands is the user intent surface; *engine.Dispatcher implements it.
type Commands interface {
	MoveStream(kind graph.Kind, streamID, targetID uint32) error
	SetVolume(kind graph.Kind, id uint32, levels []uint32) error
	SetMute(kind graph.Kind, id uint32, muted bool) error
	Place(kind graph.Kind, id uint32, row int) error
	LoadModule(name, argument string) error
	UnloadModule(id uint32) error
	CreateNullSink(name string) error
	RemoveSink(id uint32) error
	AddLoopback() error
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	CallTimeout     time.Duration
	// Metrics serves /metrics. Nil uses the default Prometheus registry.
	Metrics http.Handler
}

type Server struct {
	loop        Caller
	graph       Graph
	commands    Commands
	cfg         ServerConfig
	metrics     http.Handler
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(loop Caller, g Graph, commands Commands, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		loop:        loop,
		graph:       g,
		commands:    commands,
		cfg:         cfg,
		metrics:     metrics,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "graph" && r.Method == http.MethodGet:
		route = "graph"
	case len(parts) == 2 && parts[1] == "layout" && r.Method == http.MethodGet:
		route = "layout"
	case len(parts) == 5 && parts[1] == "streams" && parts[4] == "move" && r.Method == http.MethodPost:
		route = "move"
	case len(parts) == 5 && parts[1] == "entities" && parts[4] == "volume" && r.Method == http.MethodPost:
		route = "volume"
	case len(parts) == 5 && parts[1] == "entities" && parts[4] == "mute" && r.Method == http.MethodPost:
		route = "mute"
	case len(parts) == 5 && parts[1] == "entities" && parts[4] == "place" && r.Method == http.MethodPost:
		route = "place"
	case len(parts) == 2 && parts[1] == "modules" && r.Method == http.MethodPost:
		route = "load_module"
	case len(parts) == 3 && parts[1] == "modules" && r.Method == http.MethodDelete:
		route = "unload_module"
	case len(parts) == 2 && parts[1] == "sinks" && r.Method == http.MethodPost:
		route = "create_sink"
	case len(parts) == 3 && parts[1] == "sinks" && r.Method == http.MethodDelete:
		route = "remove_sink"
	case len(parts) == 2 && parts[1] == "loopbacks" && r.Method == http.MethodPost:
		route = "add_loopback"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "graph":
		s.handleGraph(w, r, correlationID)
	case "layout":
		s.handleLayout(w, r, correlationID)
	case "move":
		s.handleMove(w, r, parts[2], parts[3], correlationID)
	case "volume":
		s.handleVolume(w, r, parts[2], parts[3], correlationID)
	case "mute":
		s.handleMute(w, r, parts[2], parts[3], correlationID)
	case "place":
		s.handlePlace(w, r, parts[2], parts[3], correlationID)
	case "load_module":
		s.handleLoadModule(w, r, correlationID)
	case "unload_module":
		s.handleUnloadModule(w, r, parts[2], correlationID)
	case "create_sink":
		s.handleCreateSink(w, r, correlationID)
	case "remove_sink":
		s.handleRemoveSink(w, r, parts[2], correlationID)
	case "add_loopback":
		s.runCommand(w, r, correlationID, s.commands.AddLoopback)
	}
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request, correlationID string) {
	var snap engine.GraphSnapshot
	if !s.onLoop(w, r, correlationID, func() { snap = s.graph.Snapshot() }) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request, correlationID string) {
	var manifest *layout.Manifest
	if !s.onLoop(w, r, correlationID, func() { manifest = s.graph.CurrentLayout() }) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"manifest": manifest,
		"text":     string(layout.Marshal(manifest)),
	})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, rawKind, rawID, correlationID string) {
	kind, id, ok := parseEntityPath(w, rawKind, rawID, correlationID)
	if !ok {
		return
	}
	var body struct {
		Target *uint32 `json:"target"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Target == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "target is required", correlationID)
		return
	}
	s.runCommand(w, r, correlationID, func() error {
		return s.commands.MoveStream(kind, id, *body.Target)
	})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request, rawKind, rawID, correlationID string) {
	kind, id, ok := parseEntityPath(w, rawKind, rawID, correlationID)
	if !ok {
		return
	}
	var body struct {
		Levels []uint32 `json:"levels"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if len(body.Levels) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "levels are required", correlationID)
		return
	}
	s.runCommand(w, r, correlationID, func() error {
		return s.commands.SetVolume(kind, id, body.Levels)
	})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request, rawKind, rawID, correlationID string) {
	kind, id, ok := parseEntityPath(w, rawKind, rawID, correlationID)
	if !ok {
		return
	}
	var body struct {
		Muted *bool `json:"muted"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Muted == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "muted is required", correlationID)
		return
	}
	s.runCommand(w, r, correlationID, func() error {
		return s.commands.SetMute(kind, id, *body.Muted)
	})
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request, rawKind, rawID, correlationID string) {
	kind, id, ok := parseEntityPath(w, rawKind, rawID, correlationID)
	if !ok {
		return
	}
	var body struct {
		Row *int `json:"row"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Row == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "row is required", correlationID)
		return
	}
	s.runCommand(w, r, correlationID, func() error {
		return s.commands.Place(kind, id, *body.Row)
	})
}

func (s *Server) handleLoadModule(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Name     string `json:"name"`
		Argument string `json:"argument"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	s.runCommand(w, r, correlationID, func() error {
		return s.commands.LoadModule(strings.TrimSpace(body.Name), body.Argument)
	})
}

func (s *Server) handleUnloadModule(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	id, ok := parseID(w, rawID, correlationID)
	if !ok {
		return
	}
	s.runCommand(w, r, correlationID, func() error {
		return s.commands.UnloadModule(id)
	})
}

func (s *Server) handleCreateSink(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	s.runCommand(w, r, correlationID, func() error {
		return s.commands.CreateNullSink(body.Name)
	})
}

func (s *Server) handleRemoveSink(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	id, ok := parseID(w, rawID, correlationID)
	if !ok {
		return
	}
	s.runCommand(w, r, correlationID, func() error {
		return s.commands.RemoveSink(id)
	})
}

// runCommand executes cmd on the dispatch loop. A command that was sent
// answers 202: its effect arrives later through the event feed.
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, correlationID string, cmd func() error) {
	var err error
	if !s.onLoop(w, r, correlationID, func() { err = cmd() }) {
		return
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "correlationId": correlationID})
	case errors.Is(err, engine.ErrNoChange):
		writeJSON(w, http.StatusOK, map[string]string{"status": "unchanged", "correlationId": correlationID})
	default:
		status, code := commandErrorStatus(err)
		writeError(w, status, code, err.Error(), correlationID)
	}
}

func commandErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNotConnected):
		return http.StatusServiceUnavailable, "not_connected"
	case errors.Is(err, engine.ErrUnknownEntity):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, engine.ErrNotAllowed):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) onLoop(w http.ResponseWriter, r *http.Request, correlationID string, fn func()) bool {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()
	err := s.loop.Call(ctx, fn)
	switch {
	case err == nil:
		return true
	case errors.Is(err, engine.ErrLoopStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "engine is shutting down", correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "engine did not respond in time", correlationID)
	default:
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	}
	return false
}

func parseEntityPath(w http.ResponseWriter, rawKind, rawID, correlationID string) (graph.Kind, uint32, bool) {
	kind, err := graph.ParseKind(rawKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return 0, 0, false
	}
	id, ok := parseID(w, rawID, correlationID)
	return kind, id, ok
}

func parseID(w http.ResponseWriter, raw, correlationID string) (uint32, bool) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || uint32(id) == graph.InvalidIndex {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid id "+strconv.Quote(raw), correlationID)
		return 0, false
	}
	return uint32(id), true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		for other, e := range r.entries {
			if now.After(e.resetAt) {
				delete(r.entries, other)
			}
		}
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
