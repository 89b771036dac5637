// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SELECTION TESTS
// =============================================================================

func TestChoose(t *testing.T) {
	tests := []struct {
		name     string
		degraded bool
		repeated bool
		want     Category
	}{
		{"neither", false, false, CategoryOffline},
		{"degraded", true, false, CategoryOffline},
		{"repeated", false, true, CategoryFrustration},
		{"degraded beats repeated", true, true, CategoryOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Choose(tt.degraded, tt.repeated))
		})
	}
}

func TestSelect_DrawsFromChosenCategory(t *testing.T) {
	sel := NewSelector()

	for i := 0; i < 200; i++ {
		line := sel.Select(true, true)
		cat, ok := CategoryOf(line)
		require.True(t, ok, "unknown line %q", line)
		require.Equal(t, CategoryOffline, cat)

		line = sel.Select(false, true)
		cat, ok = CategoryOf(line)
		require.True(t, ok)
		require.Equal(t, CategoryFrustration, cat)

		line = sel.Select(false, false)
		cat, ok = CategoryOf(line)
		require.True(t, ok)
		require.Equal(t, CategoryOffline, cat)
	}
}

func TestSelect_CoversEveryOfflineLine(t *testing.T) {
	sel := NewSelector(WithSource(rand.NewPCG(7, 11)))
	seen := make(map[string]bool)

	for i := 0; i < 500; i++ {
		seen[sel.Select(false, false)] = true
	}

	assert.Len(t, seen, len(Lines(CategoryOffline)))
}

type panicSource struct{}

func (panicSource) Uint64() uint64 { panic("entropy exhausted") }

func TestSelect_PanicYieldsLastResort(t *testing.T) {
	sel := NewSelector(WithSource(panicSource{}))

	assert.Equal(t, LastResort, sel.Select(false, false))
	assert.Equal(t, LastResort, sel.Select(false, true))
}

func TestLines_ReturnsCopy(t *testing.T) {
	lines := Lines(CategoryOffline)
	require.Len(t, lines, 4)
	lines[0] = "mutated"

	assert.NotEqual(t, "mutated", Lines(CategoryOffline)[0])
	assert.Len(t, Lines(CategoryFrustration), 2)
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "offline", CategoryOffline.String())
	assert.Equal(t, "frustration", CategoryFrustration.String())
	assert.Equal(t, "Category(9)", Category(9).String())
}

// =============================================================================
// RETRY LEDGER TESTS
// =============================================================================

func TestTrackRetry_Sequential(t *testing.T) {
	sel := NewSelector()
	fp := FingerprintOf("hello")

	assert.Equal(t, 1, sel.TrackRetry(fp))
	assert.Equal(t, 2, sel.TrackRetry(fp))
	assert.Equal(t, 3, sel.TrackRetry(fp))
	assert.Equal(t, 1, sel.TrackRetry(FingerprintOf("other")))

	sel.ClearRetries()
	assert.Equal(t, 0, sel.RetryCount(fp))
	assert.Equal(t, 1, sel.TrackRetry(fp))
}

func TestTrackRetry_ConcurrentNoLostIncrements(t *testing.T) {
	sel := NewSelector()
	fp := FingerprintOf("same question")
	const n = 500

	results := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sel.TrackRetry(fp)
		}(i)
	}
	wg.Wait()

	sort.Ints(results)
	for i, got := range results {
		require.Equal(t, i+1, got)
	}
	assert.Equal(t, n, sel.RetryCount(fp))
}

func TestSelector_SharedLedger(t *testing.T) {
	ledger := NewRetryLedger()
	a := NewSelector(WithLedger(ledger))
	b := NewSelector(WithLedger(ledger))

	a.TrackRetry("abc")
	b.TrackRetry("abc")

	assert.Equal(t, 2, ledger.Count("abc"))
	assert.Same(t, ledger, a.Ledger())
	assert.Equal(t, 1, ledger.Len())
}

func TestFingerprintOf(t *testing.T) {
	a := FingerprintOf("hello")
	assert.Equal(t, a, FingerprintOf("hello"))
	assert.NotEqual(t, a, FingerprintOf("hello!"))
	assert.Len(t, string(a), 16)
	assert.Len(t, a.Short(), 8)

	// "é" precomposed vs. "e" + combining acute accent.
	assert.Equal(t, FingerprintOf("caf\u00e9"), FingerprintOf("cafe\u0301"))
}

// =============================================================================
// WRAP ERROR TESTS
// =============================================================================

func TestWrapError(t *testing.T) {
	got := WrapError(errors.New("dial tcp: timeout"), "")
	assert.Equal(t, "System Error detected in the synchronization layer: dial tcp: timeout. Suggesting manual reboot or signal verification.", got)

	got = WrapError(errors.New("boom"), "cloud fallback")
	assert.Equal(t, "System Error detected in the synchronization layer: boom (cloud fallback). Suggesting manual reboot or signal verification.", got)
}

func TestWrapError_UnknownError(t *testing.T) {
	assert.True(t, strings.Contains(WrapError(nil, ""), ": Unknown error."))
	assert.True(t, strings.Contains(WrapError(errors.New(""), "route"), ": Unknown error (route)."))
}

type explodingError struct{}

func (explodingError) Error() string { panic("no message for you") }

func TestWrapError_PanicInsideError(t *testing.T) {
	assert.Equal(t, wrapFailure, WrapError(explodingError{}, "x"))
}
