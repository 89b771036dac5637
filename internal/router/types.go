// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"fmt"
	"time"

	"github.com/OniSong/Error.EXE/internal/persona"
)

// ============================================================================
// TIER TYPE
// ============================================================================

// Tier is one candidate source of a response, in fixed priority order.
type Tier int

const (
	// TierNone means no tier produced the response (task cancelled).
	TierNone Tier = iota
	// TierRemote is the remote chat service, used when online with a credential.
	TierRemote
	// TierLocal is on-device inference against the stored model file.
	TierLocal
	// TierPersona is the scripted fallback that always answers.
	TierPersona
)

// String returns the tier name used in logs and metrics labels.
func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierRemote:
		return "remote"
	case TierLocal:
		return "local"
	case TierPersona:
		return "persona"
	default:
		return fmt.Sprintf("Tier(%d)", t)
	}
}

// IsBackend reports whether the tier calls a model (remote or local).
func (t Tier) IsBackend() bool {
	return t == TierRemote || t == TierLocal
}

// ============================================================================
// ERROR KINDS AND OUTCOMES
// ============================================================================

// ErrorKind classifies why a tier did not produce a response.
type ErrorKind int

const (
	// KindNone marks a successful outcome.
	KindNone ErrorKind = iota
	// ResourceUnavailable means a credential or model path is missing.
	ResourceUnavailable
	// BackendCallFailed means the remote or local backend returned an error.
	BackendCallFailed
	// ProbeFailed means the availability probe errored; treated as offline.
	ProbeFailed
	// SelectorFailed means the fallback selector itself failed.
	SelectorFailed
)

// String returns the kind name used in logs and metrics labels.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case ResourceUnavailable:
		return "resource_unavailable"
	case BackendCallFailed:
		return "backend_call_failed"
	case ProbeFailed:
		return "probe_failed"
	case SelectorFailed:
		return "selector_failed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", k)
	}
}

// Outcome is the result of one tier attempt: either Success with text or
// Failure with a kind and the underlying error.
type Outcome struct {
	Text string
	Kind ErrorKind
	Err  error
}

// Success builds a successful outcome.
func Success(text string) Outcome {
	return Outcome{Text: text}
}

// Failure builds a failed outcome.
func Failure(kind ErrorKind, err error) Outcome {
	return Outcome{Kind: kind, Err: err}
}

// OK reports whether the outcome carries a response.
func (o Outcome) OK() bool {
	return o.Kind == KindNone
}

// ============================================================================
// QUERY AND AVAILABILITY
// ============================================================================

// Query is one incoming request. It lives only for the duration of a route.
type Query struct {
	Text        string
	Fingerprint persona.Fingerprint
}

// NewQuery builds a Query and derives its fingerprint.
func NewQuery(text string) Query {
	return Query{Text: text, Fingerprint: persona.FingerprintOf(text)}
}

// Availability is a point-in-time read of the routing signals. It is taken
// fresh for every query and never cached.
type Availability struct {
	Online        bool `json:"online"`
	HasLocalModel bool `json:"has_local_model"`
	HasAPIKey     bool `json:"has_api_key"`
}

// ============================================================================
// ROUTING DECISION
// ============================================================================

// Attempt records one failed tier attempt within a decision.
type Attempt struct {
	Tier Tier
	Kind ErrorKind
	Err  error
}

// Decision describes how one query was routed. It is handed to the Observer
// after delivery.
type Decision struct {
	ID           string
	Fingerprint  persona.Fingerprint
	RetryCount   int
	Snapshot     Availability
	ProbeErr     error
	Tier         Tier
	Attempts     []Attempt
	FailureCount int
	Repeated     bool
	Cancelled    bool
	Duration     time.Duration
}

// Failed reports whether any backend attempt failed.
func (d *Decision) Failed() bool {
	return len(d.Attempts) > 0
}

func (d *Decision) record(tier Tier, o Outcome) {
	d.Attempts = append(d.Attempts, Attempt{Tier: tier, Kind: o.Kind, Err: o.Err})
}

// ============================================================================
// COLLABORATORS
// ============================================================================

// NetworkProbe reports whether an internet-capable network path exists.
type NetworkProbe interface {
	IsNetworkAvailable(ctx context.Context) (bool, error)
}

// CredentialStore reports stored routing resources. Absent values are
// reported with ok=false; lookup errors are the store's concern.
type CredentialStore interface {
	APIKey(ctx context.Context) (string, bool)
	LocalModelPath(ctx context.Context) (string, bool)
	HasLocalModel(ctx context.Context) bool
}

// RemoteBackend answers a query using the remote service.
type RemoteBackend interface {
	Generate(ctx context.Context, query, apiKey string) (string, error)
}

// LocalBackend answers a query using the on-device model at modelPath.
type LocalBackend interface {
	Generate(ctx context.Context, query, modelPath string) (string, error)
}

// Fallback is the terminal persona tier.
type Fallback interface {
	Select(degraded, repeated bool) string
	TrackRetry(fp persona.Fingerprint) int
	RetryCount(fp persona.Fingerprint) int
	ClearRetries()
}

// Observer is notified once per routed query, after delivery.
type Observer interface {
	ObserveRoute(d Decision)
}
