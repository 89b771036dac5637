// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MODE MANAGEMENT TESTS
// =============================================================================

func TestSetOfflineMode(t *testing.T) {
	original := IsOfflineMode()
	defer SetOfflineMode(original)

	SetOfflineMode(true)
	assert.True(t, IsOfflineMode())
	assert.Equal(t, "[OFFLINE]", StatusBadge())

	SetOfflineMode(false)
	assert.False(t, IsOfflineMode())
	assert.Empty(t, StatusBadge())
}

func TestIsOfflineMode_ThreadSafe(t *testing.T) {
	original := IsOfflineMode()
	defer SetOfflineMode(original)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				SetOfflineMode(j%2 == 0)
				_ = IsOfflineMode()
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

// =============================================================================
// URL VALIDATION TESTS
// =============================================================================

func TestIsLocalhost(t *testing.T) {
	tests := []struct {
		host   string
		expect bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"127.0.0.1:11434", true},
		{"127.8.8.8", true},
		{"::1", true},
		{"[::1]", true},
		{"[::1]:8080", true},
		{"openrouter.ai", false},
		{"192.168.1.1", false},
		{"0.0.0.0", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expect, IsLocalhost(tt.host), "IsLocalhost(%q)", tt.host)
	}
}

func TestValidateURL(t *testing.T) {
	original := IsOfflineMode()
	defer SetOfflineMode(original)

	SetOfflineMode(false)
	assert.NoError(t, ValidateURL("https://openrouter.ai/api/v1"))
	assert.NoError(t, ValidateURL("http://127.0.0.1:11434"))
	assert.ErrorIs(t, ValidateURL("file:///etc/passwd"), ErrInvalidURLScheme)
	assert.ErrorIs(t, ValidateURL("javascript:alert(1)"), ErrInvalidURLScheme)
	assert.ErrorIs(t, ValidateURL("ftp://example.com"), ErrInvalidURLScheme)
	assert.ErrorIs(t, ValidateURL("not a url"), ErrInvalidURL)

	SetOfflineMode(true)
	assert.NoError(t, ValidateURL("http://localhost:11434"))
	assert.NoError(t, ValidateURL("http://[::1]:11434"))
	assert.ErrorIs(t, ValidateURL("https://openrouter.ai/api/v1"), ErrNonLocalhost)
	assert.ErrorIs(t, ValidateURL("file:///etc/passwd"), ErrInvalidURLScheme)
}

// =============================================================================
// PROBER TESTS
// =============================================================================

func pipeDial(context.Context, string, string) (net.Conn, error) {
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func refuseDial(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestProber_AnySuccessMeansOnline(t *testing.T) {
	var calls atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls.Add(1)
		if addr == "good:53" {
			return pipeDial(ctx, network, addr)
		}
		return refuseDial(ctx, network, addr)
	}

	p := NewProber(WithTargets("bad:53", "good:53"), WithDialer(dial))
	online, err := p.IsNetworkAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, online)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestProber_AllFailuresMeanOfflineWithoutError(t *testing.T) {
	p := NewProber(WithTargets("a:53", "b:53"), WithDialer(refuseDial))
	online, err := p.IsNetworkAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, online)
}

func TestProber_SuccessCancelsSlowDials(t *testing.T) {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addr == "fast:53" {
			return pipeDial(ctx, network, addr)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p := NewProber(WithTargets("slow:53", "fast:53"), WithDialer(dial), WithTimeout(time.Minute))

	start := time.Now()
	online, err := p.IsNetworkAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, online)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProber_PerDialTimeout(t *testing.T) {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p := NewProber(WithTargets("slow:53"), WithDialer(dial), WithTimeout(20*time.Millisecond))
	online, err := p.IsNetworkAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, online)
}

func TestProber_CancelledContextIsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProber(WithTargets("a:53"), WithDialer(pipeDial))
	online, err := p.IsNetworkAvailable(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, online)
}

func TestProber_NoTargets(t *testing.T) {
	p := NewProber(WithTargets())
	_, err := p.IsNetworkAvailable(context.Background())
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestProber_ForcedOfflineSkipsDialling(t *testing.T) {
	original := IsOfflineMode()
	defer SetOfflineMode(original)
	SetOfflineMode(true)

	dial := func(context.Context, string, string) (net.Conn, error) {
		t.Error("dial should not be called in offline mode")
		return nil, errors.New("unexpected")
	}

	p := NewProber(WithTargets("a:53"), WithDialer(dial))
	online, err := p.IsNetworkAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, online)
}
