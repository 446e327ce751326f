/*
scheduler.go - Automated rent reminder scheduler

PURPOSE:
  Runs the rent reminder pass on a cron schedule: every apartment whose
  rent for the current month is overdue and unpaid gets one reminder.

DESIGN:
  - robfig/cron drives the schedule (standard 5-field expression)
  - A run is skipped when the previous one is still going
  - Apartments already reminded this month are skipped by the service,
    so overlapping manual runs (POST /api/reminders/rent) are harmless
  - Each run updates the scheduled-job metrics

CONFIGURATION:
  - Spec: cron expression (default "0 10 * * *", daily at 10:00)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler, err := NewReminderScheduler(service, "0 10 * * *", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: SendRentReminders endpoint (manual run)
  - billing/reminders.go: Reminder selection
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/metrics"
	"go.uber.org/zap"
)

const reminderJob = "rent_reminders"

// ReminderRunner is the part of billing.BillService the scheduler drives.
type ReminderRunner interface {
	SendRentReminders(ctx context.Context) (billing.ReminderReport, error)
}

// ReminderScheduler runs rent reminders on a cron schedule.
type ReminderScheduler struct {
	Runner  ReminderRunner
	Spec    string
	Enabled bool
	Timeout time.Duration

	cron   *cron.Cron
	logger *zap.Logger
	mu     sync.Mutex
}

// NewReminderScheduler validates spec and creates a stopped scheduler.
func NewReminderScheduler(runner ReminderRunner, spec string, logger *zap.Logger) (*ReminderScheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron spec %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderScheduler{
		Runner:  runner,
		Spec:    spec,
		Enabled: true,
		Timeout: 5 * time.Minute,
		logger:  logger,
	}, nil
}

// Start begins the scheduler.
func (rs *ReminderScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return nil
	}
	if rs.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(rs.Spec, func() { rs.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("scheduler: add job: %w", err)
	}
	c.Start()
	rs.cron = c

	rs.logger.Info("scheduler started", zap.String("job", reminderJob), zap.String("spec", rs.Spec))
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (rs *ReminderScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cron == nil {
		return
	}
	<-rs.cron.Stop().Done()
	rs.cron = nil
	rs.logger.Info("scheduler stopped")
}

// RunOnce executes one reminder pass.
func (rs *ReminderScheduler) RunOnce(ctx context.Context) (billing.ReminderReport, error) {
	if rs.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.Timeout)
		defer cancel()
	}

	report, err := rs.Runner.SendRentReminders(ctx)
	metrics.UpdateJobMetrics(reminderJob, err)
	if err != nil {
		rs.logger.Error("rent reminder run failed", zap.Error(err))
		return report, err
	}
	if len(report.Sent) > 0 || len(report.Failed) > 0 {
		rs.logger.Info("rent reminder run completed",
			zap.Stringer("month", report.Month),
			zap.Int("checked", report.Checked),
			zap.Int("sent", len(report.Sent)),
			zap.Int("failed", len(report.Failed)),
		)
	}
	return report, nil
}
