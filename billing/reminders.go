package billing

import (
	"context"
	"fmt"

	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/metrics"
	"go.uber.org/zap"
)

// =============================================================================
// RENT REMINDERS
// =============================================================================

// ReminderReport summarizes one reminder run.
type ReminderReport struct {
	Month   generic.Month `json:"month"`
	Checked int           `json:"checked"`
	Sent    []string      `json:"sent"`
	Failed  []string      `json:"failed"`
}

// SendRentReminders sends one reminder per apartment whose rent for the
// current month is overdue and unpaid, and records it so later runs skip
// that apartment. A failure on one apartment does not stop the run.
func (s *BillService) SendRentReminders(ctx context.Context) (ReminderReport, error) {
	now := s.engine.Now()
	m := generic.CurrentMonth(now)
	report := ReminderReport{Month: m, Sent: []string{}, Failed: []string{}}

	profiles, err := s.stores.Profiles.ListProfiles(ctx)
	if err != nil {
		return report, fmt.Errorf("billing: list apartments: %w", err)
	}

	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		sent, err := s.remind(ctx, p, m)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, p.ApartmentID)
			metrics.ObserveReminder("failed")
			s.logger.Error("rent reminder failed",
				zap.String("apartment_id", p.ApartmentID), zap.Stringer("month", m), zap.Error(err))
		case sent:
			report.Sent = append(report.Sent, p.ApartmentID)
			metrics.ObserveReminder("sent")
		default:
			metrics.ObserveReminder("skipped")
		}
	}

	s.logger.Info("rent reminders run",
		zap.Stringer("month", m),
		zap.Int("checked", report.Checked),
		zap.Int("sent", len(report.Sent)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (s *BillService) remind(ctx context.Context, p Profile, m generic.Month) (bool, error) {
	if !p.HasActiveChat || !p.DueDay().IsSet() {
		return false, nil
	}
	status, err := s.stores.Statuses.GetMonthStatus(ctx, p.ApartmentID, m)
	if err != nil {
		return false, err
	}
	if status.RentPaid || status.RentReminderSentAt.IsSet() {
		return false, nil
	}

	rs, err := s.engine.ResolveTariff(ctx, p.ApartmentID, m)
	if err != nil {
		return false, err
	}
	now := s.engine.Now()
	rent := ComputeRent(p, m, rentMonthly(p, rs), status.RentPaid, now)
	if !rent.Overdue {
		return false, nil
	}

	if err := s.notifier.Notify(ctx, newNotification(NotifyRentReminder, p, m, rent.Amount)); err != nil {
		return false, fmt.Errorf("deliver reminder: %w", err)
	}
	if err := s.stores.Statuses.MarkRentReminderSent(ctx, p.ApartmentID, m, now); err != nil {
		return true, fmt.Errorf("record reminder: %w", err)
	}
	s.audit(ctx, p.ApartmentID, generic.Some(m), AuditReminderSent, map[string]any{"amount": rent.Amount.String()})
	return true, nil
}
