// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry records routing metrics for Error.EXE.
//
// Routing decisions are exported as Prometheus collectors and mirrored into
// an in-memory Stats snapshot for the /stats endpoint and the CLI.
//
// # Key Types
//
//   - Recorder: router.Observer backed by Prometheus collectors
//   - Stats: per-tier counts, failures, last decision, uptime
//   - Snapshot: serializable copy of Stats
//
// # Usage
//
//	reg := prometheus.NewRegistry()
//	rec, err := telemetry.NewRecorder(reg)
//	r := router.New(probe, store, remote, local, router.WithObserver(rec))
//
//	sched := tasks.NewScheduler()
//	sched.Add(telemetry.HeartbeatJob(r, rec, "@every 5m", 3))
//
// # Privacy
//
// Query text is never recorded. Decisions are identified by their
// fingerprint prefix only.
package telemetry
