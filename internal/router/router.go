// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/OniSong/Error.EXE/internal/persona"
	"github.com/OniSong/Error.EXE/internal/tasks"
	"github.com/OniSong/Error.EXE/internal/util"
)

// completeFailure is delivered when even the persona tier cannot answer.
const completeFailure = "System recovery unavailable. Please restart the application."

// Router errors. Only ErrClosed is returned to callers; the rest are recorded
// in decisions.
var (
	ErrClosed          = errors.New("router is closed")
	ErrNoRemoteBackend = errors.New("no remote backend configured")
	ErrNoLocalBackend  = errors.New("no local backend configured")
	ErrNoAPIKey        = errors.New("remote credential not configured")
	ErrNoModelPath     = errors.New("local model path not configured")
	ErrEmptyResponse   = errors.New("backend returned an empty response")
	errEmptySelection  = errors.New("fallback selector returned an empty response")
)

// ============================================================================
// OPTIONS
// ============================================================================

// Option configures a Router.
type Option func(*Router)

// WithFallback replaces the persona tier. The default is persona.NewSelector().
func WithFallback(f Fallback) Option {
	return func(r *Router) {
		if f != nil {
			r.fallback = f
		}
	}
}

// WithFailureState injects the consecutive-failure counter.
func WithFailureState(fs *FailureState) Option {
	return func(r *Router) {
		if fs != nil {
			r.failures = fs
		}
	}
}

// WithWorkers sets how many routes may execute at once (default 8).
func WithWorkers(n int) Option {
	return func(r *Router) {
		r.workers = n
	}
}

// WithRemoteTimeout bounds each remote attempt. Zero leaves the backend's
// own timeout in charge.
func WithRemoteTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.remoteTimeout = d
	}
}

// WithLocalTimeout bounds each local attempt. Zero leaves the backend's own
// timeout in charge.
func WithLocalTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.localTimeout = d
	}
}

// WithRepeatThreshold makes the persona tier answer with the frustration
// category once a query's retry count reaches n. Zero disables it.
func WithRepeatThreshold(n int) Option {
	return func(r *Router) {
		r.repeatThreshold.Store(int64(n))
	}
}

// WithObserver receives every routing decision.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// ============================================================================
// ROUTER
// ============================================================================

// Router delivers exactly one response for every query it accepts, trying
// the remote backend, then the local backend, then the persona fallback.
//
// Route tasks run concurrently on a bounded pool. The retry ledger and the
// failure counter are shared by all tasks; each mutation is atomic on its own.
type Router struct {
	probe  NetworkProbe
	store  CredentialStore
	remote RemoteBackend
	local  LocalBackend

	fallback Fallback
	failures *FailureState
	observer Observer

	workers         int
	remoteTimeout   time.Duration
	localTimeout    time.Duration
	repeatThreshold atomic.Int64

	pool      *tasks.Pool
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a Router. remote and local may be nil, in which case that tier
// always fails over.
func New(probe NetworkProbe, store CredentialStore, remote RemoteBackend, local LocalBackend, opts ...Option) *Router {
	r := &Router{
		probe:   probe,
		store:   store,
		remote:  remote,
		local:   local,
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.probe == nil {
		r.probe = offlineProbe{}
	}
	if r.store == nil {
		r.store = emptyStore{}
	}
	if r.fallback == nil {
		r.fallback = persona.NewSelector()
	}
	if r.failures == nil {
		r.failures = NewFailureState()
	}
	r.pool = tasks.NewPool(r.workers)

	return r
}

// Route answers query asynchronously. callback runs exactly once with a
// non-empty string, on a pool goroutine, unless the router is closed first.
// Route itself never blocks on routing work.
func (r *Router) Route(query string, callback func(string)) {
	if !r.submit(query, callback) {
		log.Warn().Str("query", util.TruncateRunes(query, 30)).Msg("route dropped: router closed")
	}
}

// RouteSync routes query and waits for the response. It returns an error
// only if ctx ends first or the router closes before delivering.
func (r *Router) RouteSync(ctx context.Context, query string) (string, error) {
	ch := make(chan string, 1)
	if !r.submit(query, func(s string) { ch <- s }) {
		return "", ErrClosed
	}

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.closing:
		select {
		case s := <-ch:
			return s, nil
		default:
			return "", ErrClosed
		}
	}
}

func (r *Router) submit(query string, callback func(string)) bool {
	deliver := deliverOnce(callback)
	q := NewQuery(query)
	return r.pool.Go(func(ctx context.Context) {
		r.run(ctx, q, deliver)
	})
}

// ClearFailureState zeroes the failure counter and empties the retry ledger.
func (r *Router) ClearFailureState() {
	r.failures.Reset()
	r.fallback.ClearRetries()
	log.Info().Msg("failure state cleared")
}

// FailureCount returns the consecutive-failure counter.
func (r *Router) FailureCount() int {
	return r.failures.Value()
}

// RetryCount returns how many times query has been routed since the last
// clear.
func (r *Router) RetryCount(query string) int {
	return r.fallback.RetryCount(persona.FingerprintOf(query))
}

// SetRepeatThreshold changes the repeat policy for subsequent routes.
func (r *Router) SetRepeatThreshold(n int) {
	r.repeatThreshold.Store(int64(n))
}

// InFlight returns how many routes are executing or waiting for a worker.
func (r *Router) InFlight() int {
	return r.pool.Running() + r.pool.Waiting()
}

// Close cancels in-flight routes and waits for their tasks to end. Cancelled
// routes deliver nothing. Close is idempotent.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		r.pool.Close()
		log.Debug().Msg("router closed")
	})
}

// Snapshot reads the routing signals. A probe error is returned alongside a
// snapshot whose Online is false.
func (r *Router) Snapshot(ctx context.Context) (Availability, error) {
	snap, _, err := r.snapshot(ctx)
	return snap, err
}

// snapshot also returns the key it read, so a route uses the same credential
// it decided on.
func (r *Router) snapshot(ctx context.Context) (Availability, string, error) {
	var snap Availability

	online, err := r.probe.IsNetworkAvailable(ctx)
	snap.Online = online && err == nil
	key, ok := r.store.APIKey(ctx)
	snap.HasAPIKey = ok && key != ""
	snap.HasLocalModel = r.store.HasLocalModel(ctx)

	return snap, key, err
}

// ============================================================================
// CASCADE
// ============================================================================

func (r *Router) run(ctx context.Context, q Query, deliver func(string)) {
	start := time.Now()
	d := Decision{ID: uuid.NewString(), Fingerprint: q.Fingerprint}
	logger := log.With().Str("route", d.ID).Str("fingerprint", q.Fingerprint.Short()).Logger()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("route panic: %v", p)
			logger.Error().Err(err).Msg("route task failed")
			deliver(persona.WrapError(err, "route"))
		}
		d.Duration = time.Since(start)
		d.FailureCount = r.failures.Value()
		if r.observer != nil {
			r.observer.ObserveRoute(d)
		}
	}()

	d.RetryCount = r.fallback.TrackRetry(q.Fingerprint)

	snap, key, err := r.snapshot(ctx)
	d.Snapshot = snap
	if err != nil {
		d.ProbeErr = err
		logger.Warn().Err(err).Str("kind", ProbeFailed.String()).Msg("availability probe failed, treating as offline")
	}

	logger.Debug().
		Bool("online", snap.Online).
		Bool("has_api_key", snap.HasAPIKey).
		Bool("has_local_model", snap.HasLocalModel).
		Int("retry_count", d.RetryCount).
		Str("query", util.TruncateRunes(q.Text, 50)).
		Msg("routing query")

	text, tier := r.cascade(ctx, q, key, &d, logger)
	if tier == TierNone {
		d.Cancelled = true
		logger.Debug().Msg("route cancelled before delivery")
		return
	}

	d.Tier = tier
	logger.Info().Str("tier", tier.String()).Dur("elapsed", time.Since(start)).Msg("response delivered")
	deliver(text)
}

// cascade walks the tiers in order and returns the response with the tier
// that produced it. TierNone means the context ended mid-cascade.
func (r *Router) cascade(ctx context.Context, q Query, key string, d *Decision, logger zerolog.Logger) (string, Tier) {
	snap := d.Snapshot

	if snap.Online {
		if !snap.HasAPIKey {
			// A missing credential is not a backend failure.
			logger.Debug().Str("kind", ResourceUnavailable.String()).Msg("online without credential, using persona")
			return r.persona(d, false, logger), TierPersona
		}

		out := r.tryRemote(ctx, q, key)
		if out.OK() {
			r.failures.Reset()
			return out.Text, TierRemote
		}
		if ctx.Err() != nil {
			return "", TierNone
		}
		d.record(TierRemote, out)
		if out.Kind == ResourceUnavailable {
			logger.Debug().Err(out.Err).Str("kind", out.Kind.String()).Msg("remote tier unavailable, using persona")
			return r.persona(d, false, logger), TierPersona
		}
		n := r.failures.Increment()
		logger.Warn().Err(out.Err).Str("kind", out.Kind.String()).Int("failures", n).Msg("remote tier failed")
	}

	if snap.HasLocalModel {
		out := r.tryLocal(ctx, q)
		if out.OK() {
			r.failures.Reset()
			return out.Text, TierLocal
		}
		if ctx.Err() != nil {
			return "", TierNone
		}
		d.record(TierLocal, out)
		n := r.failures.Increment()
		logger.Warn().Err(out.Err).Str("kind", out.Kind.String()).Int("failures", n).Msg("local tier failed")

		// The local failure above is this path's terminal count.
		return r.persona(d, false, logger), TierPersona
	}

	return r.persona(d, true, logger), TierPersona
}

func (r *Router) tryRemote(ctx context.Context, q Query, key string) Outcome {
	if r.remote == nil {
		return Failure(ResourceUnavailable, ErrNoRemoteBackend)
	}
	if key == "" {
		return Failure(ResourceUnavailable, ErrNoAPIKey)
	}

	callCtx, cancel := withOptionalTimeout(ctx, r.remoteTimeout)
	defer cancel()

	return call(func() (string, error) {
		return r.remote.Generate(callCtx, q.Text, key)
	})
}

func (r *Router) tryLocal(ctx context.Context, q Query) Outcome {
	if r.local == nil {
		return Failure(ResourceUnavailable, ErrNoLocalBackend)
	}
	path, ok := r.store.LocalModelPath(ctx)
	if !ok || path == "" {
		return Failure(ResourceUnavailable, ErrNoModelPath)
	}

	callCtx, cancel := withOptionalTimeout(ctx, r.localTimeout)
	defer cancel()

	return call(func() (string, error) {
		return r.local.Generate(callCtx, q.Text, path)
	})
}

// persona answers from the fallback tier. countFailure adds this path's
// terminal increment to the failure counter.
func (r *Router) persona(d *Decision, countFailure bool, logger zerolog.Logger) string {
	if countFailure {
		r.failures.Increment()
	}

	d.Repeated = r.isRepeated(d.RetryCount)

	text, err := r.selectSafely(d.Repeated)
	if err != nil {
		d.record(TierPersona, Failure(SelectorFailed, err))
		logger.Error().Err(err).Str("kind", SelectorFailed.String()).Msg("persona tier failed")
		return completeFailure
	}
	return text
}

func (r *Router) selectSafely(repeated bool) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("selector panic: %v", p)
		}
	}()

	// Degraded stays false so that the repeat policy can reach frustration.
	text = r.fallback.Select(false, repeated)
	if text == "" {
		return "", errEmptySelection
	}
	return text, nil
}

func (r *Router) isRepeated(retryCount int) bool {
	threshold := r.repeatThreshold.Load()
	return threshold > 0 && int64(retryCount) >= threshold
}

// ============================================================================
// HELPERS
// ============================================================================

// call runs a backend function and converts errors, blank output, and panics
// into failure outcomes.
func call(fn func() (string, error)) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Failure(BackendCallFailed, fmt.Errorf("backend panic: %v", p))
		}
	}()

	text, err := fn()
	if err != nil {
		return Failure(BackendCallFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		return Failure(BackendCallFailed, ErrEmptyResponse)
	}
	return Success(text)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// deliverOnce guards callback so that it runs at most once.
func deliverOnce(callback func(string)) func(string) {
	var once sync.Once
	return func(s string) {
		once.Do(func() {
			if callback != nil {
				callback(s)
			}
		})
	}
}

type offlineProbe struct{}

func (offlineProbe) IsNetworkAvailable(context.Context) (bool, error) { return false, nil }

type emptyStore struct{}

func (emptyStore) APIKey(context.Context) (string, bool)         { return "", false }
func (emptyStore) LocalModelPath(context.Context) (string, bool) { return "", false }
func (emptyStore) HasLocalModel(context.Context) bool            { return false }
