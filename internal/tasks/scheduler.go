// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// =============================================================================
// JOB TYPES
// =============================================================================

// JobResult is what a periodic job reports back after one attempt.
type JobResult int

const (
	// JobSuccess ends the run.
	JobSuccess JobResult = iota
	// JobRetry asks the scheduler to try again after a backoff delay.
	JobRetry
)

// String returns the result name.
func (r JobResult) String() string {
	switch r {
	case JobSuccess:
		return "success"
	case JobRetry:
		return "retry"
	default:
		return fmt.Sprintf("JobResult(%d)", r)
	}
}

// JobFunc performs one attempt of a job.
type JobFunc func(ctx context.Context) JobResult

// Job describes a periodic job.
type Job struct {
	// Name identifies the job in logs and LastRun.
	Name string
	// Spec is a cron expression or descriptor such as "@every 5m".
	Spec string
	// Run is invoked once per attempt.
	Run JobFunc
	// MaxRetries bounds extra attempts after JobRetry (0 = no retries).
	MaxRetries int
	// RetryDelay is the first backoff delay, doubled per attempt (default 1s).
	RetryDelay time.Duration
}

// RunRecord describes one scheduled run, including its retries.
type RunRecord struct {
	ID       string
	Job      string
	Started  time.Time
	Finished time.Time
	Attempts int
	Result   JobResult
}

// Duration returns how long the run took.
func (r RunRecord) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// maxRetryDelay caps the exponential backoff between attempts.
const maxRetryDelay = time.Minute

// ErrInvalidJob is returned by Add for a job without a name or function.
var ErrInvalidJob = errors.New("job requires a name and a run function")

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler runs jobs on cron schedules. Overlapping runs of the same job are
// skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	last    map[string]RunRecord
	stopped bool

	triggered sync.WaitGroup // Runs started by Trigger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
		last:   make(map[string]RunRecord),
	}
}

// Add registers job under its cron spec.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return ErrInvalidJob
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		s.RunNow(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}
	log.Debug().Str("job", job.Name).Str("spec", job.Spec).Msg("job scheduled")
	return nil
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running attempts and waits for them to return, including
// runs started by Trigger. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.triggered.Wait()
}

// Trigger runs job once in the background on the scheduler's context, outside
// its cron schedule. It returns false once the scheduler is stopped.
func (s *Scheduler) Trigger(job Job) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.triggered.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.triggered.Done()
		s.RunNow(s.ctx, job)
	}()
	return true
}

// RunNow executes job immediately on the calling goroutine, retrying with
// exponential backoff while it reports JobRetry and retries remain.
func (s *Scheduler) RunNow(ctx context.Context, job Job) RunRecord {
	rec := RunRecord{
		ID:      uuid.NewString(),
		Job:     job.Name,
		Started: time.Now(),
		Result:  JobRetry,
	}

	delay := job.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 0; attempt <= job.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return s.finish(rec)
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		rec.Attempts++
		rec.Result = job.Run(ctx)
		if rec.Result == JobSuccess {
			break
		}
		log.Warn().
			Str("job", job.Name).
			Str("run", rec.ID).
			Int("attempt", rec.Attempts).
			Msg("job asked for retry")
	}

	return s.finish(rec)
}

func (s *Scheduler) finish(rec RunRecord) RunRecord {
	rec.Finished = time.Now()

	s.mu.Lock()
	s.last[rec.Job] = rec
	s.mu.Unlock()

	log.Debug().
		Str("job", rec.Job).
		Str("run", rec.ID).
		Str("result", rec.Result.String()).
		Int("attempts", rec.Attempts).
		Dur("duration", rec.Duration()).
		Msg("job run finished")
	return rec
}

// LastRun returns the most recent record for the named job.
func (s *Scheduler) LastRun(name string) (RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.last[name]
	return rec, ok
}
