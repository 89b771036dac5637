// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OniSong/Error.EXE/internal/router"
	"github.com/OniSong/Error.EXE/internal/telemetry"
)

// fakeRouter answers with a fixed reply or error.
type fakeRouter struct {
	reply    string
	err      error
	panicMsg string
	avail    router.Availability
	probeErr error
	failures int
	resets   atomic.Int32
	lastCtx  context.Context
	queries  []string
}

func (f *fakeRouter) RouteSync(ctx context.Context, query string) (string, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.lastCtx = ctx
	f.queries = append(f.queries, query)
	return f.reply, f.err
}

func (f *fakeRouter) ClearFailureState() { f.resets.Add(1) }
func (f *fakeRouter) FailureCount() int  { return f.failures }
func (f *fakeRouter) InFlight() int      { return 0 }

func (f *fakeRouter) Snapshot(context.Context) (router.Availability, error) {
	return f.avail, f.probeErr
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

// =============================================================================
// ROUTE TESTS
// =============================================================================

func TestRoute_Success(t *testing.T) {
	fr := &fakeRouter{reply: "Cloud response for: hi..."}
	s := New(Config{}, fr, nil, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/route", `{"query":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var resp RouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Cloud response for: hi...", resp.Response)
	assert.Equal(t, []string{"hi"}, fr.queries)

	deadline, ok := fr.lastCtx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultRequestTimeout), deadline, 5*time.Second)
}

func TestRoute_BadRequests(t *testing.T) {
	s := New(Config{}, &fakeRouter{reply: "x"}, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty query", `{"query":""}`},
		{"blank query", `{"query":"  \n "}`},
		{"missing query", `{}`},
		{"not json", `query=hi`},
		{"oversized query", `{"query":"` + strings.Repeat("a", MaxQueryBytes+1) + `"}`},
		{"oversized body", `{"query":"` + strings.Repeat("a", maxRequestBodySize) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/v1/route", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, http.StatusBadRequest, decodeError(t, rec).Code)
		})
	}
}

func TestRoute_InvalidUTF8Rejected(t *testing.T) {
	fr := &fakeRouter{reply: "x"}
	s := New(Config{}, fr, nil, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/route", "{\"query\":\"bad \xff\xfe bytes\"}")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "UTF-8")
	assert.Empty(t, fr.queries, "router must not see the query")
}

func TestRoute_QueryAtLimitAccepted(t *testing.T) {
	fr := &fakeRouter{reply: "ok"}
	s := New(Config{}, fr, nil, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/route", `{"query":"`+strings.Repeat("a", MaxQueryBytes)+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoute_RouterErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"closed", router.ErrClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, &fakeRouter{err: tt.err}, nil, nil)
			rec := do(t, s.Handler(), http.MethodPost, "/v1/route", `{"query":"hi"}`)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRoute_MethodNotAllowed(t *testing.T) {
	s := New(Config{}, &fakeRouter{}, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/v1/route", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRoute_RealRouterPersonaFallback(t *testing.T) {
	r := router.New(nil, nil, nil, nil)
	defer r.Close()
	s := New(Config{}, r, nil, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/route", `{"query":"are you there?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Response)
	assert.Equal(t, 1, r.FailureCount())
}

func TestReset(t *testing.T) {
	fr := &fakeRouter{}
	s := New(Config{}, fr, nil, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, int32(1), fr.resets.Load())
}

// =============================================================================
// HEALTH / STATS / METRICS TESTS
// =============================================================================

func TestHealth(t *testing.T) {
	fr := &fakeRouter{avail: router.Availability{Online: true, HasAPIKey: true}, failures: 2}
	s := New(Config{Version: "1.2.3"}, fr, nil, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.True(t, health.Online)
	assert.True(t, health.HasAPIKey)
	assert.False(t, health.HasLocalModel)
	assert.Equal(t, 2, health.FailureCount)
	assert.Empty(t, health.ProbeError)
}

func TestHealth_ProbeErrorDegraded(t *testing.T) {
	fr := &fakeRouter{probeErr: errors.New("dial timeout")}
	s := New(Config{}, fr, nil, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "dial timeout", health.ProbeError)
	assert.False(t, health.Online)
}

func TestStats(t *testing.T) {
	rec, err := telemetry.NewRecorder(nil)
	require.NoError(t, err)
	rec.ObserveRoute(router.Decision{ID: "a", Tier: router.TierRemote})

	s := New(Config{}, &fakeRouter{failures: 1}, rec.Stats(), nil)
	resp := do(t, s.Handler(), http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalRoutes)
	assert.Equal(t, int64(1), stats.Routes["remote"])
	assert.Equal(t, 1, stats.FailureCount)
	require.NotNil(t, stats.LastDecision)
	assert.Equal(t, "a", stats.LastDecision.ID)
}

func TestStats_Disabled(t *testing.T) {
	s := New(Config{}, &fakeRouter{}, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel, err := telemetry.NewRecorder(reg)
	require.NoError(t, err)
	tel.ObserveRoute(router.Decision{Tier: router.TierPersona, FailureCount: 4})

	s := New(Config{}, &fakeRouter{}, tel.Stats(), reg)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `errorexe_routes_total{tier="persona"} 1`)
	assert.Contains(t, body, "errorexe_failure_streak 4")
}

func TestMetrics_Disabled(t *testing.T) {
	s := New(Config{}, &fakeRouter{}, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestAuth(t *testing.T) {
	s := New(Config{BearerToken: "t0ken"}, &fakeRouter{reply: "ok"}, nil, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/health", "", "Authorization", "Basic t0ken").Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/health", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/health", "", "Authorization", "Bearer t0ken").Code)
}

func TestValidateBearerToken(t *testing.T) {
	assert.True(t, ValidateBearerToken("abc", "abc"))
	assert.False(t, ValidateBearerToken("abc", "abd"))
	assert.False(t, ValidateBearerToken("", ""))
	assert.False(t, ValidateBearerToken("abc", ""))
}

func TestRateLimit(t *testing.T) {
	s := New(Config{RequestsPerSecond: 0.001, Burst: 2}, &fakeRouter{}, nil, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimiter_PerIPAndSweep(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 2, rl.Len())

	now = now.Add(visitorTTL + time.Second)
	assert.True(t, rl.Allow("10.0.0.3"))
	assert.Equal(t, 1, rl.Len())
}

func TestRecovery(t *testing.T) {
	s := New(Config{}, &fakeRouter{panicMsg: "kaboom"}, nil, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/v1/route", `{"query":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeError(t, rec).Message)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mark("a"), mark("b"), mark("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.9:4000", "", "", "203.0.113.9"},
		{"untrusted peer ignores header", "203.0.113.9:4000", "198.51.100.1", "", "203.0.113.9"},
		{"trusted proxy forwards", "127.0.0.1:4000", "198.51.100.1, 10.0.0.1", "", "198.51.100.1"},
		{"trusted proxy real ip", "10.1.2.3:4000", "", "198.51.100.7", "198.51.100.7"},
		{"invalid forwarded value", "127.0.0.1:4000", "not-an-ip", "", "127.0.0.1"},
		{"no port", "203.0.113.9", "", "", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{Addr: ln.Addr().String()}, &fakeRouter{reply: "pong"}, nil, nil)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/v1/route"
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Post(url, "application/json", bytes.NewBufferString(`{"query":"ping"}`))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pong")

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Serve(ln2), ErrServerRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestShutdown_NotStarted(t *testing.T) {
	s := New(Config{}, &fakeRouter{}, nil, nil)
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, DefaultAddr, s.Addr())
}
