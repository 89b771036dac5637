// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/OniSong/Error.EXE/internal/router"
	"github.com/OniSong/Error.EXE/internal/tasks"
)

// HeartbeatJobName names the proactive availability job.
const HeartbeatJobName = "availability-heartbeat"

// AvailabilitySource takes availability snapshots. *router.Router satisfies it.
type AvailabilitySource interface {
	Snapshot(ctx context.Context) (router.Availability, error)
}

// HeartbeatJob returns a periodic job that snapshots availability and
// publishes it to rec. A failed snapshot asks the scheduler for a retry.
func HeartbeatJob(src AvailabilitySource, rec *Recorder, spec string, maxRetries int) tasks.Job {
	return tasks.Job{
		Name:       HeartbeatJobName,
		Spec:       spec,
		MaxRetries: maxRetries,
		RetryDelay: 2 * time.Second,
		Run: func(ctx context.Context) tasks.JobResult {
			avail, err := src.Snapshot(ctx)
			if err != nil {
				rec.ObserveProbeError(err)
				log.Warn().Err(err).Msg("availability heartbeat failed")
				return tasks.JobRetry
			}
			rec.ObserveAvailability(avail)
			log.Debug().
				Bool("online", avail.Online).
				Bool("has_local_model", avail.HasLocalModel).
				Bool("has_api_key", avail.HasAPIKey).
				Msg("availability heartbeat")
			return tasks.JobSuccess
		},
	}
}
