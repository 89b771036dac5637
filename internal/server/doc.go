// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the response router over HTTP.
//
// # Endpoints
//
//   - POST /v1/route  - route {"query": "..."} and return {"response": "..."}
//   - POST /v1/reset  - clear the failure counter and retry ledger
//   - GET  /health    - availability snapshot and failure count
//   - GET  /stats     - in-memory routing statistics
//   - GET  /metrics   - Prometheus exposition
//
// # Middleware
//
// Requests pass through panic recovery, security headers, request logging,
// a per-IP token bucket and, when a token is configured, bearer
// authentication with constant-time comparison.
//
// # Usage
//
//	srv := server.New(server.Config{
//		Addr:        "127.0.0.1:8787",
//		BearerToken: token,
//	}, r, rec.Stats(), reg)
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
