// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import "sync"

// FailureState counts consecutive backend failures. A successful backend
// delivery resets it; every exhausted attempt increments it. Safe for
// concurrent use.
type FailureState struct {
	mu    sync.Mutex
	count int
}

// NewFailureState returns a counter at zero.
func NewFailureState() *FailureState {
	return &FailureState{}
}

// Increment adds one and returns the new value.
func (f *FailureState) Increment() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return f.count
}

// Reset sets the counter to zero.
func (f *FailureState) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = 0
}

// Value returns the current count.
func (f *FailureState) Value() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}
