// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each reachability dial.
const DefaultTimeout = 2 * time.Second

// DefaultTargets are public DNS resolvers reachable over TCP.
var DefaultTargets = []string{"1.1.1.1:53", "8.8.8.8:53"}

// ErrNoTargets is returned by a Prober with nothing to dial.
var ErrNoTargets = errors.New("no probe targets configured")

// DialFunc opens a connection. It matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// =============================================================================
// PROBER
// =============================================================================

// Prober reports whether an internet-capable network path exists by dialling
// a set of well-known TCP endpoints. It is safe for concurrent use.
type Prober struct {
	targets []string
	timeout time.Duration
	dial    DialFunc
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithTargets replaces the dial targets (host:port).
func WithTargets(targets ...string) ProberOption {
	return func(p *Prober) {
		p.targets = append([]string(nil), targets...)
	}
}

// WithTimeout sets the per-dial timeout.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDialer replaces the network dialer. Tests use it to avoid real sockets.
func WithDialer(dial DialFunc) ProberOption {
	return func(p *Prober) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// NewProber creates a Prober with DefaultTargets and DefaultTimeout unless
// overridden.
func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		targets: DefaultTargets,
		timeout: DefaultTimeout,
		dial:    (&net.Dialer{}).DialContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsNetworkAvailable dials every target concurrently and returns true as
// soon as one connects. Failing dials mean offline, not an error; an error is
// returned only when ctx ends before the probe finishes or no targets are
// configured.
func (p *Prober) IsNetworkAvailable(ctx context.Context) (bool, error) {
	if IsOfflineMode() {
		return false, nil
	}
	if len(p.targets) == 0 {
		return false, ErrNoTargets
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// The first success cancels the remaining dials.
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var online atomic.Bool
	g, gctx := errgroup.WithContext(probeCtx)
	for _, target := range p.targets {
		g.Go(func() error {
			dialCtx, dialCancel := context.WithTimeout(gctx, p.timeout)
			defer dialCancel()

			conn, err := p.dial(dialCtx, "tcp", target)
			if err != nil {
				log.Debug().Str("target", target).Err(err).Msg("probe dial failed")
				return nil
			}
			_ = conn.Close()
			online.Store(true)
			cancel()
			return nil
		})
	}
	_ = g.Wait()

	if online.Load() {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}
