/*
service.go - Write-side bill operations

PURPOSE:
  BillService runs the operator's actions: approve (optionally sending),
  send without the tier 3 photo, resolve a review flag, mark rent paid.
  Each bill action recomputes the bill, applies the pure transition from
  workflow.go to the freshly read state inside BillStateStore.Update, and
  delivers through the Notifier before the update commits.

FAILURE SEMANTICS:
  A rejected transition, a failed delivery or a failed write leaves the
  stored state exactly as it was. Retrying a successful approve(send)
  finds the same total already sent and delivers nothing.

  approve(send) on an apartment without an active chat still records the
  approval; the send is reported as skipped (no_active_chat). Only
  send-without-T3-photo, which exists to deliver, refuses outright.

SEE ALSO:
  - workflow.go: Approve, SendWithoutT3Photo
  - reminders.go: the other writer of notifications
*/
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/metrics"
	"go.uber.org/zap"
)

// BillService performs bill transitions.
type BillService struct {
	engine   *Engine
	stores   Stores
	notifier Notifier
	logger   *zap.Logger
}

func NewBillService(engine *Engine, stores Stores, notifier Notifier, logger *zap.Logger) *BillService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &BillService{engine: engine, stores: stores, notifier: notifier, logger: logger}
}

// TransitionResult is the bill after an action and what was delivered.
type TransitionResult struct {
	Bill     Bill
	Dispatch Dispatch
}

const (
	actionApprove       = "approve"
	actionSendWithoutT3 = "send_without_t3_photo"
)

// Approve approves the bill of month m and, with send, delivers it.
func (s *BillService) Approve(ctx context.Context, apartmentID string, m generic.Month, send bool) (TransitionResult, error) {
	in, err := s.engine.billInputs(ctx, apartmentID, m)
	if err != nil {
		return TransitionResult{}, err
	}
	profile := in.snapshot.profile
	bill := s.engine.bill(in, m)

	var d Dispatch
	st, err := s.stores.Bills.UpdateBillState(ctx, apartmentID, m, func(st *BillState) error {
		next, dispatch, err := Approve(bill, *st, send, s.engine.Now())
		if err != nil {
			return err
		}
		if !profile.HasActiveChat {
			next, dispatch = withholdSend(*st, next, dispatch, SkipNoActiveChat)
		}
		if err := s.deliver(ctx, profile, m, dispatch); err != nil {
			return err
		}
		*st, d = next, dispatch
		return nil
	})
	if err != nil {
		metrics.ObserveTransition(actionApprove, "failed")
		s.logger.Error("bill approve failed",
			zap.String("apartment_id", apartmentID), zap.Stringer("month", m), zap.Error(err))
		return TransitionResult{}, err
	}

	bill.State = st
	action := AuditBillApproved
	if d.Send {
		action = AuditBillSent
	}
	s.record(ctx, apartmentID, m, action, bill, d)
	s.logger.Info("bill approved",
		zap.String("apartment_id", apartmentID),
		zap.Stringer("month", m),
		zap.String("reason", string(bill.Reason())),
		zap.Bool("sent", d.Send),
		zap.String("skipped", d.Skipped),
	)
	metrics.ObserveTransition(actionApprove, outcome(d, "approved"))
	return TransitionResult{Bill: bill, Dispatch: d}, nil
}

// SendWithoutT3Photo delivers a bill whose only missing item is the tier
// 3 photo, using the manually entered tier 3 value.
func (s *BillService) SendWithoutT3Photo(ctx context.Context, apartmentID string, m generic.Month) (TransitionResult, error) {
	in, err := s.engine.billInputs(ctx, apartmentID, m)
	if err != nil {
		return TransitionResult{}, err
	}
	profile := in.snapshot.profile
	strict := s.engine.bill(in, m)
	relaxed := s.engine.bill(in, m, meters.AllowManualT3())

	if !profile.HasActiveChat {
		metrics.ObserveTransition(actionSendWithoutT3, "rejected")
		return TransitionResult{}, fmt.Errorf("billing: send without t3 %s %s: %w", apartmentID, m, generic.ErrNoActiveChat)
	}

	var d Dispatch
	st, err := s.stores.Bills.UpdateBillState(ctx, apartmentID, m, func(st *BillState) error {
		next, dispatch, err := SendWithoutT3Photo(strict, relaxed, *st, s.engine.Now())
		if err != nil {
			return err
		}
		if err := s.deliver(ctx, profile, m, dispatch); err != nil {
			return err
		}
		*st, d = next, dispatch
		return nil
	})
	if err != nil {
		if errors.Is(err, generic.ErrIllegalTransition) {
			metrics.ObserveTransition(actionSendWithoutT3, "rejected")
			s.logger.Warn("send without t3 photo rejected",
				zap.String("apartment_id", apartmentID), zap.Stringer("month", m), zap.Error(err))
		} else {
			metrics.ObserveTransition(actionSendWithoutT3, "failed")
			s.logger.Error("send without t3 photo failed",
				zap.String("apartment_id", apartmentID), zap.Stringer("month", m), zap.Error(err))
		}
		return TransitionResult{}, err
	}

	relaxed.State = st
	s.record(ctx, apartmentID, m, AuditBillSentNoT3, relaxed, d)
	s.logger.Info("bill sent without t3 photo",
		zap.String("apartment_id", apartmentID), zap.Stringer("month", m), zap.Stringer("total", d.Total))
	metrics.ObserveTransition(actionSendWithoutT3, outcome(d, "sent"))
	return TransitionResult{Bill: relaxed, Dispatch: d}, nil
}

func (s *BillService) deliver(ctx context.Context, p Profile, m generic.Month, d Dispatch) error {
	if !d.Send {
		return nil
	}
	if err := s.notifier.Notify(ctx, newNotification(NotifyBill, p, m, d.Total)); err != nil {
		return fmt.Errorf("billing: deliver bill: %w", err)
	}
	return nil
}

func outcome(d Dispatch, def string) string {
	switch {
	case d.Send:
		return "sent"
	case d.Skipped != "":
		return "skipped"
	}
	return def
}

// record appends an audit entry. Audit failures are logged, not returned:
// the transition has already committed.
func (s *BillService) record(ctx context.Context, apartmentID string, m generic.Month, action AuditAction, b Bill, d Dispatch) {
	payload := map[string]any{
		"reason": string(b.Reason()),
		"status": string(b.State.Status()),
	}
	if d.Send {
		payload["sent_total"] = d.Total.String()
	}
	if d.Skipped != "" {
		payload["skipped"] = d.Skipped
	}
	s.audit(ctx, apartmentID, generic.Some(m), action, payload)
}

func (s *BillService) audit(ctx context.Context, apartmentID string, m generic.Optional[generic.Month], action AuditAction, payload map[string]any) {
	if s.stores.Audit == nil {
		return
	}
	entry := AuditEntry{
		ID:          uuid.NewString(),
		Timestamp:   s.engine.Now(),
		ApartmentID: apartmentID,
		Month:       m,
		Action:      action,
		Payload:     payload,
	}
	if err := s.stores.Audit.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn("audit append failed", zap.String("action", string(action)), zap.Error(err))
	}
}

// ResolveFlag closes a review flag. Bills already computed are not
// touched; the next computation no longer sees the flag.
func (s *BillService) ResolveFlag(ctx context.Context, flagID string) (ReviewFlag, error) {
	f, err := s.stores.Flags.Resolve(ctx, flagID, s.engine.Now())
	if err != nil {
		return ReviewFlag{}, err
	}
	s.audit(ctx, f.ApartmentID, generic.Some(f.Month), AuditFlagResolved,
		map[string]any{"flag_id": f.ID, "meter_type": f.MeterType, "meter_index": f.MeterIndex})
	s.logger.Info("review flag resolved", zap.String("flag_id", f.ID), zap.String("apartment_id", f.ApartmentID))
	return f, nil
}

// SetRentPaid toggles the rent_paid mark of month m.
func (s *BillService) SetRentPaid(ctx context.Context, apartmentID string, m generic.Month, paid bool) error {
	if _, err := s.stores.Profiles.GetProfile(ctx, apartmentID); err != nil {
		return err
	}
	if err := s.stores.Statuses.SetRentPaid(ctx, apartmentID, m, paid); err != nil {
		return fmt.Errorf("billing: set rent paid: %w", err)
	}
	s.audit(ctx, apartmentID, generic.Some(m), AuditRentPaidChanged, map[string]any{"rent_paid": paid})
	return nil
}
