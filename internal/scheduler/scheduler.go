// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workflow-notifications/internal/channel"
	"workflow-notifications/internal/common/config"
	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/metrics"
)

const (
	SweepDeadline   = "deadline-reminders"
	SweepOverdue    = "overdue-alerts"
	SweepPending    = "pending-approvals"
	SweepRetry      = "delivery-retry"
	SweepScheduled  = "scheduled-dispatch"
	SweepDailyReset = "daily-counter-reset"
)

const defaultResetRetry = time.Minute

// Sweeps raises the time-based notifications.
type Sweeps interface {
	SendDeadlineReminders(ctx context.Context, hoursBeforeDue int) (int, error)
	SendOverdueAlerts(ctx context.Context) (int, error)
	SendPendingApprovalReminders(ctx context.Context, hoursPending int) (int, error)
}

// Deliveries retries failed deliveries, dispatches notifications whose scheduled
// date has passed and resets the per-channel daily counters.
type Deliveries interface {
	RetryDue(ctx context.Context) (int, error)
	DispatchDue(ctx context.Context) (int, error)
	ResetDailyCounters(ctx context.Context) (int64, error)
}

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

type Options struct {
	Sweeps     Sweeps
	Deliveries Deliveries
	Config     config.SweepConfig
	Logger     logger.Logger
	Now        func() time.Time
	// ResetRetry is the wait before retrying a failed daily counter reset.
	ResetRetry time.Duration
}

type Scheduler struct {
	jobs       []Job
	deliveries Deliveries
	resetRetry time.Duration
	log        logger.Logger
	now        func() time.Time

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds the job list from cfg. Jobs with a non-positive interval are left out.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		deliveries: opts.Deliveries,
		resetRetry: opts.ResetRetry,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if s.resetRetry <= 0 {
		s.resetRetry = defaultResetRetry
	}
	if s.log == nil {
		s.log = logger.NewNoOpLogger()
	}
	s.log = s.log.Component("scheduler")
	if s.now == nil {
		s.now = time.Now
	}

	cfg := opts.Config
	if opts.Sweeps != nil {
		s.add(SweepDeadline, cfg.DeadlineInterval, func(ctx context.Context) (int, error) {
			return opts.Sweeps.SendDeadlineReminders(ctx, cfg.HoursBeforeDue)
		})
		s.add(SweepOverdue, cfg.OverdueInterval, opts.Sweeps.SendOverdueAlerts)
		s.add(SweepPending, cfg.PendingInterval, func(ctx context.Context) (int, error) {
			return opts.Sweeps.SendPendingApprovalReminders(ctx, cfg.HoursPending)
		})
	}
	if opts.Deliveries != nil {
		s.add(SweepRetry, cfg.RetryInterval, opts.Deliveries.RetryDue)
		s.add(SweepScheduled, cfg.ScheduledInterval, opts.Deliveries.DispatchDue)
	}
	return s
}

func (s *Scheduler) add(name string, minutes int, run func(ctx context.Context) (int, error)) {
	if minutes <= 0 {
		s.log.Info("sweep disabled", map[string]interface{}{"sweep": name})
		return
	}
	s.jobs = append(s.jobs, Job{Name: name, Interval: config.Minutes(minutes), Run: run})
}

func (s *Scheduler) Jobs() []Job {
	return s.jobs
}

// Start runs every job on its own ticker plus the daily counter reset, once at
// startup and then at each UTC midnight. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		return
	}
	s.stopChan = make(chan struct{})

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job, s.stopChan)
	}
	if s.deliveries != nil {
		s.wg.Add(1)
		go s.midnightLoop(ctx, s.stopChan)
	}
	s.log.Info("scheduler started", map[string]interface{}{"jobs": len(s.jobs)})
}

// Stop signals every loop and waits for running sweeps to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stopChan
	s.stopChan = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
	s.log.Info("scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, job Job, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

// midnightLoop resets immediately to catch up on midnights missed while down, then
// at every UTC midnight. A failed reset is retried after resetRetry.
func (s *Scheduler) midnightLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()
	var wait time.Duration
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			if err := s.ResetDailyCounters(ctx); err != nil {
				wait = s.resetRetry
				continue
			}
			now := s.now()
			wait = channel.NextUTCMidnight(now).Sub(now)
		}
	}
}

// RunNow runs the named job once, outside its ticker.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.runJob(ctx, job)
		}
	}
	return 0, fmt.Errorf("unknown sweep %q", name)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) (n int, err error) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep %s panicked: %v", job.Name, r)
		}
		outcome := "success"
		fields := map[string]interface{}{
			"sweep":    job.Name,
			"count":    n,
			"duration": s.now().Sub(start).String(),
		}
		if err != nil {
			outcome = "error"
			fields["error"] = err.Error()
			s.log.Error("sweep failed", fields)
		} else {
			s.log.Debug("sweep finished", fields)
		}
		metrics.SweepRuns.WithLabelValues(job.Name, outcome).Inc()
	}()
	return job.Run(ctx)
}

// ResetDailyCounters zeroes the per-channel sent counters not yet reset for the
// current UTC day.
func (s *Scheduler) ResetDailyCounters(ctx context.Context) error {
	if s.deliveries == nil {
		return nil
	}
	_, err := s.runJob(ctx, Job{Name: SweepDailyReset, Run: func(ctx context.Context) (int, error) {
		n, err := s.deliveries.ResetDailyCounters(ctx)
		return int(n), err
	}})
	if err != nil {
		s.log.Warn("daily counter reset failed, retrying", map[string]interface{}{"retryIn": s.resetRetry.String()})
	}
	return err
}
