// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persona provides the scripted fallback voice used when no live
// backend can answer a query.
//
// # Key Types
//
//   - Selector: picks a canned response category and a random line from it
//   - RetryLedger: per-fingerprint retry counter, safe for concurrent use
//   - Fingerprint: stable, collision tolerant key derived from query text
//   - Category: offline or frustration response set
//
// # Usage
//
//	sel := persona.NewSelector()
//	n := sel.TrackRetry(persona.FingerprintOf(query))
//	reply := sel.Select(false, n > 3)
//
// Select never returns an empty string; if the draw itself fails it falls
// back to LastResort. WrapError formats a diagnostic sentence for the rare
// cases where an internal error must reach the user.
package persona
