package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/patchbay/internal/engine"
	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/layout"
)

// directCaller runs work inline, standing in for the dispatch loop.
type directCaller struct {
	err   error
	calls int
}

func (c *directCaller) Call(_ context.Context, fn func()) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	fn()
	return nil
}

type fakeGraph struct {
	snapshot engine.GraphSnapshot
	manifest *layout.Manifest
}

func (g *fakeGraph) Snapshot() engine.GraphSnapshot  { return g.snapshot }
func (g *fakeGraph) CurrentLayout() *layout.Manifest { return g.manifest }

type recordingCommands struct {
	calls []string
	err   error
}

func (c *recordingCommands) record(format string, args ...any) error {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
	return c.err
}

func (c *recordingCommands) MoveStream(kind graph.Kind, streamID, targetID uint32) error {
	return c.record("move %s %d %d", kind, streamID, targetID)
}

func (c *recordingCommands) SetVolume(kind graph.Kind, id uint32, levels []uint32) error {
	return c.record("volume %s %d %v", kind, id, levels)
}

func (c *recordingCommands) SetMute(kind graph.Kind, id uint32, muted bool) error {
	return c.record("mute %s %d %t", kind, id, muted)
}

func (c *recordingCommands) Place(kind graph.Kind, id uint32, row int) error {
	return c.record("place %s %d %d", kind, id, row)
}

func (c *recordingCommands) LoadModule(name, argument string) error {
	return c.record("load %s %q", name, argument)
}

func (c *recordingCommands) UnloadModule(id uint32) error {
	return c.record("unload %d", id)
}

func (c *recordingCommands) CreateNullSink(name string) error {
	return c.record("null-sink %s", name)
}

func (c *recordingCommands) RemoveSink(id uint32) error {
	return c.record("remove-sink %d", id)
}

func (c *recordingCommands) AddLoopback() error {
	return c.record("loopback")
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func newTestServer(cfg ServerConfig) (*Server, *directCaller, *fakeGraph, *recordingCommands) {
	caller := &directCaller{}
	g := &fakeGraph{manifest: layout.NewManifest()}
	commands := &recordingCommands{}
	return NewServer(caller, g, commands, cfg), caller, g, commands
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthNeedsNoToken(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{Token: "secret"})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTokenEnforced(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{Token: "secret"})

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/graph"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/graph",
		headers: map[string]string{"Authorization": "Bearer wrong"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/graph",
		headers: map[string]string{"Authorization": "Bearer secret"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCorrelationIDEchoedOrGenerated(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{})
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/graph",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr_1" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/graph"})
	if got := rec.Header().Get("X-Correlation-Id"); len(got) != 36 {
		t.Fatalf("expected generated uuid, got %q", got)
	}
}

func TestGraphSnapshotRunsOnLoop(t *testing.T) {
	server, caller, g, _ := newTestServer(ServerConfig{})
	g.snapshot = engine.GraphSnapshot{
		State:     "ready",
		Connected: true,
		Entities:  []engine.EntityState{{Kind: "sink", ID: 1, Name: "Speakers", Visible: true}},
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/graph"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap engine.GraphSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(snap, g.snapshot) {
		t.Fatalf("snapshot = %+v, want %+v", snap, g.snapshot)
	}
	if caller.calls != 1 {
		t.Fatalf("expected one loop call, got %d", caller.calls)
	}
}

func TestLayoutIncludesEncodedText(t *testing.T) {
	server, _, g, _ := newTestServer(ServerConfig{})
	g.manifest.Sources = []string{"Mic;1"}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/layout"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	text, _ := body["text"].(string)
	if !strings.Contains(text, `Sources=Mic\x3b1;`) {
		t.Fatalf("encoded layout missing escaped source: %q", text)
	}
}

func TestCommandRoutes(t *testing.T) {
	cases := []struct {
		method string
		path   string
		body   map[string]any
		want   string
	}{
		{http.MethodPost, "/v1/streams/sink_input/4/move", map[string]any{"target": 2}, "move sink_input 4 2"},
		{http.MethodPost, "/v1/streams/source-output/5/move", map[string]any{"target": 0}, "move source_output 5 0"},
		{http.MethodPost, "/v1/entities/sink/1/volume", map[string]any{"levels": []int{100, 200}}, "volume sink 1 [100 200]"},
		{http.MethodPost, "/v1/entities/source/3/mute", map[string]any{"muted": true}, "mute source 3 true"},
		{http.MethodPost, "/v1/entities/client/7/place", map[string]any{"row": 2}, "place client 7 2"},
		{http.MethodPost, "/v1/modules", map[string]any{"name": "module-loopback", "argument": "latency_msec=5"}, `load module-loopback "latency_msec=5"`},
		{http.MethodDelete, "/v1/modules/12", nil, "unload 12"},
		{http.MethodPost, "/v1/sinks", map[string]any{"name": "record"}, "null-sink record"},
		{http.MethodDelete, "/v1/sinks/3", nil, "remove-sink 3"},
		{http.MethodPost, "/v1/loopbacks", nil, "loopback"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			server, _, _, commands := newTestServer(ServerConfig{})
			rec := doRequest(t, server, request{method: tc.method, path: tc.path, body: tc.body})
			if rec.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
			}
			if len(commands.calls) != 1 || commands.calls[0] != tc.want {
				t.Fatalf("calls = %v, want [%s]", commands.calls, tc.want)
			}
		})
	}
}

func TestCommandValidation(t *testing.T) {
	server, _, _, commands := newTestServer(ServerConfig{})
	cases := []request{
		{method: http.MethodPost, path: "/v1/streams/sink_input/4/move", body: map[string]any{}},
		{method: http.MethodPost, path: "/v1/streams/speaker/4/move", body: map[string]any{"target": 1}},
		{method: http.MethodPost, path: "/v1/streams/sink_input/abc/move", body: map[string]any{"target": 1}},
		{method: http.MethodPost, path: "/v1/entities/sink/1/volume", body: map[string]any{"levels": []int{}}},
		{method: http.MethodPost, path: "/v1/entities/sink/1/mute", body: map[string]any{}},
		{method: http.MethodPost, path: "/v1/entities/sink/1/place", body: map[string]any{"row": "top"}},
		{method: http.MethodDelete, path: "/v1/modules/4294967295"},
	}
	for _, r := range cases {
		rec := doRequest(t, server, r)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d (%s)", r.method, r.path, rec.Code, rec.Body.String())
		}
	}
	if len(commands.calls) != 0 {
		t.Fatalf("invalid requests must not reach the engine: %v", commands.calls)
	}
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrNotConnected, http.StatusServiceUnavailable, "not_connected"},
		{fmt.Errorf("%w: sink#9", engine.ErrUnknownEntity), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: bad name", engine.ErrInvalidArgument), http.StatusBadRequest, "bad_request"},
		{fmt.Errorf("%w: not a null sink", engine.ErrNotAllowed), http.StatusConflict, "conflict"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		server, _, _, commands := newTestServer(ServerConfig{})
		commands.err = tc.err
		rec := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/sinks/9"})
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		if body := decodeBody(t, rec); body["code"] != tc.code {
			t.Fatalf("%v: code = %v, want %s", tc.err, body["code"], tc.code)
		}
	}
}

func TestNoChangeAnswersOK(t *testing.T) {
	server, _, _, commands := newTestServer(ServerConfig{})
	commands.err = engine.ErrNoChange
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/streams/sink_input/1/move",
		body:   map[string]any{"target": 1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "unchanged" {
		t.Fatalf("status = %v", body["status"])
	}
}

func TestStoppedLoopAnswersUnavailable(t *testing.T) {
	server, caller, _, _ := newTestServer(ServerConfig{})
	caller.err = engine.ErrLoopStopped
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/graph"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		if rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/graph"}); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/graph"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimiterEvictsExpiredClients(t *testing.T) {
	limiter := &rateLimiter{window: time.Minute, max: 1, entries: map[string]rateEntry{}}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, host := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if !limiter.allow(host, start) {
			t.Fatalf("first request from %s should pass", host)
		}
	}
	if limiter.allow("10.0.0.1", start.Add(time.Second)) {
		t.Fatalf("second request inside the window should be limited")
	}

	later := start.Add(2 * time.Minute)
	if !limiter.allow("10.0.0.4", later) {
		t.Fatalf("new client should pass")
	}
	if len(limiter.entries) != 1 {
		t.Fatalf("expected expired clients to be evicted, got %d entries", len(limiter.entries))
	}
}

func TestBodyLimit(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{MaxBodyBytes: 16})
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sinks",
		body:   map[string]any{"name": strings.Repeat("x", 64)},
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _, _, _ := newTestServer(ServerConfig{})
	for _, r := range []request{
		{method: http.MethodGet, path: "/v2/graph"},
		{method: http.MethodPut, path: "/v1/graph"},
		{method: http.MethodGet, path: "/v1/streams/sink_input/1/move"},
	} {
		if rec := doRequest(t, server, r); rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", r.method, r.path, rec.Code)
		}
	}
}

func TestMetricsServed(t *testing.T) {
	called := false
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	server, _, _, _ := newTestServer(ServerConfig{Token: "secret", Metrics: metrics})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("metrics handler not reached: %d", rec.Code)
	}
}
