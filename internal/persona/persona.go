// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"
)

// =============================================================================
// CATEGORIES
// =============================================================================

// Category identifies a set of canned responses.
type Category int

const (
	// CategoryOffline lines describe a severed or standalone connection.
	CategoryOffline Category = iota
	// CategoryFrustration lines acknowledge a query asked again and again.
	CategoryFrustration
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryOffline:
		return "offline"
	case CategoryFrustration:
		return "frustration"
	default:
		return fmt.Sprintf("Category(%d)", c)
	}
}

// LastResort is returned when selection itself fails.
const LastResort = "A critical synchronization error has occurred. Please verify your connection."

var offlineLines = []string{
	"Connection to the central node is currently severed. My local database is... insufficient for this request.",
	"I am currently in Standalone Mode. A synchronization with the World Line (Internet) would be required to retrieve that data.",
	"Access denied. It seems the information you seek exists outside my current reach. Perhaps a miracle—or a Wi-Fi signal—will occur?",
	"Status: Disconnected. I can see the data in the ether, but I lack the bandwidth to pull it into this reality.",
}

var frustrationLines = []string{
	"I've checked 1048596 times. There is no signal. Repeating the query won't change the physics of this room.",
	"Are you testing my patience or the local signal strength? Both are currently at zero.",
}

// Lines returns a copy of the candidate strings for c, in their fixed order.
func Lines(c Category) []string {
	var src []string
	switch c {
	case CategoryOffline:
		src = offlineLines
	case CategoryFrustration:
		src = frustrationLines
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// CategoryOf reports which category line belongs to.
func CategoryOf(line string) (Category, bool) {
	for _, l := range offlineLines {
		if l == line {
			return CategoryOffline, true
		}
	}
	for _, l := range frustrationLines {
		if l == line {
			return CategoryFrustration, true
		}
	}
	return 0, false
}

// Choose decides the category for a situation. Degraded is checked first,
// so it beats repeated.
func Choose(degraded, repeated bool) Category {
	switch {
	case degraded:
		return CategoryOffline
	case repeated:
		return CategoryFrustration
	default:
		return CategoryOffline
	}
}

// =============================================================================
// SELECTOR
// =============================================================================

// Selector draws fallback responses and tracks query retries.
// The zero value is not usable; call NewSelector.
type Selector struct {
	ledger *RetryLedger

	// rng is nil when the package-level source is used. A custom *rand.Rand
	// is not safe for concurrent use, so draws take mu.
	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithLedger shares an existing ledger instead of creating a private one.
func WithLedger(l *RetryLedger) Option {
	return func(s *Selector) {
		if l != nil {
			s.ledger = l
		}
	}
}

// WithSource makes draws come from src. Mostly useful in tests.
func WithSource(src rand.Source) Option {
	return func(s *Selector) {
		if src != nil {
			s.rng = rand.New(src)
		}
	}
}

// NewSelector creates a Selector with its own RetryLedger unless one is
// supplied.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger == nil {
		s.ledger = NewRetryLedger()
	}
	return s
}

// Select returns a line for the situation described by the flags.
// The result is never empty.
func (s *Selector) Select(degraded, repeated bool) (line string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("fallback selection failed")
			line = LastResort
		}
	}()

	category := Choose(degraded, repeated)
	candidates := offlineLines
	if category == CategoryFrustration {
		candidates = frustrationLines
	}

	line = candidates[s.intN(len(candidates))]
	log.Debug().
		Str("category", category.String()).
		Bool("degraded", degraded).
		Bool("repeated", repeated).
		Msg("fallback response selected")

	if line == "" {
		return LastResort
	}
	return line
}

func (s *Selector) intN(n int) int {
	if s.rng == nil {
		return rand.IntN(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// TrackRetry increments the retry count for fp and returns the new value.
// The first call for a fingerprint returns 1.
func (s *Selector) TrackRetry(fp Fingerprint) int {
	n := s.ledger.Increment(fp)
	log.Debug().Str("fingerprint", string(fp)).Int("count", n).Msg("query retry tracked")
	return n
}

// RetryCount returns the current count for fp without changing it.
func (s *Selector) RetryCount(fp Fingerprint) int {
	return s.ledger.Count(fp)
}

// ClearRetries empties the ledger.
func (s *Selector) ClearRetries() {
	s.ledger.Clear()
	log.Debug().Msg("query retry tracking cleared")
}

// Ledger exposes the underlying ledger.
func (s *Selector) Ledger() *RetryLedger {
	return s.ledger
}
