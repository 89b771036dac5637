// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router decides which backend answers a query and guarantees that
// every accepted query gets exactly one non-empty response.
//
// Tiers are tried in order: the remote service (online with a stored
// credential), the on-device model (model file present), and finally the
// persona fallback, which cannot fail in a way the caller sees.
//
// # Key Types
//
//   - Router: Runs route tasks on a bounded pool and owns the failure counter
//   - Availability: Snapshot of the three routing signals
//   - Outcome: Success or classified failure of one tier
//   - Decision: Everything a route did, handed to the Observer
//   - FailureState: Consecutive backend failures across all routes
//
// # Failure Counting
//
// A successful backend resets the counter. A failed remote or local attempt
// adds one. Reaching the persona tier with no local model adds one more.
// Being online without a credential is not a failure.
//
// # Usage
//
//	r := router.New(prober, store, remoteBackend, localBackend,
//	    router.WithWorkers(8),
//	    router.WithObserver(recorder),
//	)
//	defer r.Close()
//
//	r.Route("hello", func(resp string) {
//	    fmt.Println(resp)
//	})
package router
