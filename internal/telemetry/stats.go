// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sync"
	"time"

	"github.com/OniSong/Error.EXE/internal/router"
)

// =============================================================================
// SNAPSHOT TYPES
// =============================================================================

// DecisionSummary is the displayable part of a routing decision. It never
// carries query text.
type DecisionSummary struct {
	ID           string    `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	Tier         string    `json:"tier"`
	Attempts     int       `json:"attempts"`
	FailureCount int       `json:"failure_count"`
	Repeated     bool      `json:"repeated"`
	Cancelled    bool      `json:"cancelled"`
	DurationMS   int64     `json:"duration_ms"`
	At           time.Time `json:"at"`
}

// AvailabilitySample is an availability snapshot with the time it was taken.
type AvailabilitySample struct {
	router.Availability
	At time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of Stats, safe to serialize.
type Snapshot struct {
	StartedAt     time.Time           `json:"started_at"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	TotalRoutes   int64               `json:"total_routes"`
	Routes        map[string]int64    `json:"routes"`
	Failures      map[string]int64    `json:"failures"`
	ProbeErrors   int64               `json:"probe_errors"`
	LastProbeErr  string              `json:"last_probe_error,omitempty"`
	LastDecision  *DecisionSummary    `json:"last_decision,omitempty"`
	Availability  *AvailabilitySample `json:"availability,omitempty"`
}

// =============================================================================
// STATS
// =============================================================================

// Stats accumulates routing counts in memory. Safe for concurrent use.
type Stats struct {
	mu sync.RWMutex

	started      time.Time
	total        int64
	routes       map[string]int64
	failures     map[string]int64 // keyed "tier/kind"
	probeErrors  int64
	lastProbeErr string
	last         *DecisionSummary
	availability *AvailabilitySample

	now func() time.Time
}

// NewStats creates empty statistics starting now.
func NewStats() *Stats {
	s := &Stats{
		routes:   make(map[string]int64),
		failures: make(map[string]int64),
		now:      time.Now,
	}
	s.started = s.now()
	return s
}

func (s *Stats) record(d router.Decision) {
	at := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.routes[d.Tier.String()]++
	for _, a := range d.Attempts {
		s.failures[a.Tier.String()+"/"+a.Kind.String()]++
	}
	if d.ProbeErr != nil {
		s.probeErrors++
		s.lastProbeErr = d.ProbeErr.Error()
	} else if !d.Cancelled {
		s.availability = &AvailabilitySample{Availability: d.Snapshot, At: at}
	}
	s.last = &DecisionSummary{
		ID:           d.ID,
		Fingerprint:  d.Fingerprint.Short(),
		Tier:         d.Tier.String(),
		Attempts:     len(d.Attempts),
		FailureCount: d.FailureCount,
		Repeated:     d.Repeated,
		Cancelled:    d.Cancelled,
		DurationMS:   d.Duration.Milliseconds(),
		At:           at,
	}
}

func (s *Stats) setAvailability(a router.Availability) {
	at := s.now()
	s.mu.Lock()
	s.availability = &AvailabilitySample{Availability: a, At: at}
	s.mu.Unlock()
}

func (s *Stats) setProbeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErrors++
	if err != nil {
		s.lastProbeErr = err.Error()
	}
}

// Snapshot returns a copy of the current statistics.
func (s *Stats) Snapshot() Snapshot {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		StartedAt:     s.started,
		UptimeSeconds: now.Sub(s.started).Seconds(),
		TotalRoutes:   s.total,
		Routes:        make(map[string]int64, len(s.routes)),
		Failures:      make(map[string]int64, len(s.failures)),
		ProbeErrors:   s.probeErrors,
		LastProbeErr:  s.lastProbeErr,
	}
	for k, v := range s.routes {
		snap.Routes[k] = v
	}
	for k, v := range s.failures {
		snap.Failures[k] = v
	}
	if s.last != nil {
		last := *s.last
		snap.LastDecision = &last
	}
	if s.availability != nil {
		a := *s.availability
		snap.Availability = &a
	}
	return snap
}
