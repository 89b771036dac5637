// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks provides background execution for errorexe.
//
// # Key Types
//
//   - Pool: bounded worker pool with a shared cancellable context
//   - Scheduler: cron driven periodic jobs with retry on request
//   - Job, JobFunc, JobResult: a periodic unit of work and its outcome
//   - RunRecord: what happened during one scheduled run
//
// # Usage
//
// Run fire-and-forget work with a concurrency cap:
//
//	pool := tasks.NewPool(8)
//	defer pool.Close()
//	pool.Go(func(ctx context.Context) {
//	    // ctx is cancelled by pool.Close
//	})
//
// Schedule a periodic job:
//
//	s := tasks.NewScheduler()
//	_ = s.Add(tasks.Job{Name: "heartbeat", Spec: "@every 5m", Run: fn, MaxRetries: 3})
//	s.Start()
//	s.Trigger(job) // one run now, joined by Stop
//	defer s.Stop()
package tasks
