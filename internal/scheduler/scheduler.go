// Package scheduler runs periodic jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"station-weather/pkg/logging"
)

// Task is one run of a scheduled job.
type Task func(ctx context.Context) error

// CronScheduler runs tasks on standard five-field cron specs. Runs of the
// same job never overlap: a tick or RunNow that finds the job still going
// is skipped.
type CronScheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *logging.StructuredLogger

	mu      sync.Mutex
	running map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewCronScheduler creates a scheduler whose task runs are each bounded by
// timeout. Cancelling ctx cancels in-flight runs.
func NewCronScheduler(ctx context.Context, timeout time.Duration, logger *logging.StructuredLogger) *CronScheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &CronScheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		timeout: timeout,
		logger:  logger,
		running: make(map[string]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule registers task under name on spec.
func (s *CronScheduler) Schedule(name, spec string, task Task) error {
	run := s.wrapTask(name, task)
	id, err := s.cron.AddFunc(spec, func() { run() })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	s.logger.Info(s.ctx, "[SCHEDULER_ADD] Job scheduled", logging.Fields{
		"job":      name,
		"spec":     spec,
		"entry_id": int(id),
	})
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *CronScheduler) Start() {
	s.cron.Start()
	s.logger.Info(s.ctx, "[SCHEDULER_START] Cron scheduler started", logging.Fields{
		"jobs": len(s.cron.Entries()),
	})
}

// Stop cancels running jobs and waits for them to return.
func (s *CronScheduler) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.cron.Stop().Done()
		s.logger.Info(context.Background(), "[SCHEDULER_STOP] Cron scheduler stopped", logging.Fields{})
	})
}

// RunNow runs task once, synchronously, with the same timeout and logging as
// a scheduled run. It reports false without running task when a run of the
// same job is already in progress.
func (s *CronScheduler) RunNow(name string, task Task) bool {
	return s.wrapTask(name, task)()
}

func (s *CronScheduler) jobLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.running[name]
	if !ok {
		lock = &sync.Mutex{}
		s.running[name] = lock
	}
	return lock
}

func (s *CronScheduler) wrapTask(name string, task Task) func() bool {
	lock := s.jobLock(name)
	return func() bool {
		if !lock.TryLock() {
			s.logger.Warn(s.ctx, "[SCHEDULER_JOB_SKIPPED] Job still running, skipping", logging.Fields{
				"job": name,
			})
			return false
		}
		defer lock.Unlock()

		startTime := time.Now()

		taskCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		s.logger.Info(taskCtx, "[SCHEDULER_JOB_START] Running scheduled job", logging.Fields{
			"job": name,
		})

		if err := task(taskCtx); err != nil {
			s.logger.Error(taskCtx, "[SCHEDULER_JOB_ERROR] Scheduled job failed", logging.Fields{
				"job":              name,
				"duration_seconds": time.Since(startTime).Seconds(),
			}, err)
			return true
		}

		s.logger.Info(taskCtx, "[SCHEDULER_JOB_COMPLETE] Scheduled job completed", logging.Fields{
			"job":              name,
			"duration_seconds": time.Since(startTime).Seconds(),
		})
		return true
	}
}
