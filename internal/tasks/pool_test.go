// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// =============================================================================
// POOL TESTS
// =============================================================================

func TestPool_RunsEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(4)
	var done atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.True(t, pool.Go(func(ctx context.Context) {
			defer wg.Done()
			done.Add(1)
		}))
	}

	wg.Wait()
	pool.Close()
	assert.Equal(t, int32(50), done.Load())
}

func TestPool_RespectsConcurrencyLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	const size = 3
	pool := NewPool(size)
	defer pool.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		pool.Go(func(ctx context.Context) {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, size, pool.Size())
}

func TestPool_CloseCancelsAndWaits(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(1)
	started := make(chan struct{})
	var cancelled atomic.Bool

	pool.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})

	// Queued behind the blocker; dropped on Close.
	var ranQueued atomic.Bool
	pool.Go(func(ctx context.Context) { ranQueued.Store(true) })

	<-started
	pool.Close()

	assert.True(t, cancelled.Load())
	assert.False(t, ranQueued.Load())
	assert.True(t, pool.Closed())
	assert.False(t, pool.Go(func(ctx context.Context) {}), "Go after Close must be rejected")
}

func TestPool_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(2)
	pool.Go(func(ctx context.Context) { panic("boom") })

	var ok atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	pool.Go(func(ctx context.Context) {
		defer wg.Done()
		ok.Store(true)
	})
	wg.Wait()
	pool.Close()

	assert.True(t, ok.Load())
	assert.Equal(t, 0, pool.Running())
	assert.Equal(t, 0, pool.Waiting())
}

func TestNewPool_DefaultSize(t *testing.T) {
	pool := NewPool(0)
	defer pool.Close()
	assert.Equal(t, DefaultPoolSize, pool.Size())
}
