// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint identifies query text for retry bookkeeping. Distinct texts may
// collide; counts are advisory.
type Fingerprint string

// FingerprintOf hashes text after Unicode NFC normalisation, so visually
// identical input typed on different keyboards lands on the same key.
func FingerprintOf(text string) Fingerprint {
	sum := blake2b.Sum256([]byte(norm.NFC.String(text)))
	return Fingerprint(hex.EncodeToString(sum[:8]))
}

// Short returns a prefix suitable for log lines.
func (f Fingerprint) Short() string {
	s := string(f)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// RetryLedger counts how many times each fingerprint has been seen.
// Counts only grow until Clear. Safe for concurrent use.
type RetryLedger struct {
	mu     sync.Mutex
	counts map[Fingerprint]int
}

// NewRetryLedger creates an empty ledger.
func NewRetryLedger() *RetryLedger {
	return &RetryLedger{counts: make(map[Fingerprint]int)}
}

// Increment adds one to fp's count and returns the new count.
func (l *RetryLedger) Increment(fp Fingerprint) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[fp]++
	return l.counts[fp]
}

// Count returns fp's current count, 0 when never seen.
func (l *RetryLedger) Count(fp Fingerprint) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[fp]
}

// Len returns the number of tracked fingerprints.
func (l *RetryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}

// Clear drops every entry.
func (l *RetryLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.counts)
}
