// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultPoolSize is used when NewPool gets a non-positive size.
const DefaultPoolSize = 8

// =============================================================================
// WORKER POOL
// =============================================================================

// Pool runs submitted functions on goroutines with a cap on how many execute
// at once. Submission never blocks the caller: excess work waits for a slot
// inside its own goroutine.
//
// Every function receives the pool context, which is cancelled by Close.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	semaphore chan struct{} // Limits concurrent execution
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool // Guards wg.Add against a concurrent Close

	running atomic.Int64
	waiting atomic.Int64
}

// NewPool creates a pool that runs at most size functions concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:       ctx,
		cancel:    cancel,
		semaphore: make(chan struct{}, size),
	}
}

// Go schedules fn. It returns false, without running fn, once the pool is
// closed.
func (p *Pool) Go(fn func(ctx context.Context)) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.waiting.Add(1)
	go p.execute(fn)
	return true
}

func (p *Pool) execute(fn func(ctx context.Context)) {
	defer p.wg.Done()

	// Acquire a slot or give up if the pool is shutting down.
	select {
	case p.semaphore <- struct{}{}:
		p.waiting.Add(-1)
	case <-p.ctx.Done():
		p.waiting.Add(-1)
		return
	}
	defer func() { <-p.semaphore }()

	// Both select cases can be ready at once during Close.
	if p.ctx.Err() != nil {
		return
	}

	p.running.Add(1)
	defer p.running.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("pool task panicked")
		}
	}()

	fn(p.ctx)
}

// Close cancels the pool context and waits for all submitted functions to
// return. Functions still waiting for a slot are dropped. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return cap(p.semaphore)
}

// Running returns how many functions are executing right now.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Waiting returns how many submitted functions are waiting for a slot.
func (p *Pool) Waiting() int {
	return int(p.waiting.Load())
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
