/*
extra.go - Readings intake and the extra electric reading

PURPOSE:
  Operators submit a month of readings through BillService. When a month
  receives an electric tier above the apartment's electric_expected (a
  second photo of the same meter, or a meter that really has one more
  tier), the month is marked pending and its bill carries a
  duplicate_photos flag until the operator decides:

    accept  electric_expected grows by one (at most 3); the reading stays
    reject  electric readings above the snapshot are deleted

  Either decision clears the pending mark. Deciding on a month with
  nothing pending changes nothing.

SEE ALSO:
  - engine.go: bill() turns the pending mark into FlagDuplicatePhotos
  - workflow.go: an approval never covers FlagDuplicatePhotos
*/
package billing

import (
	"context"
	"fmt"

	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"go.uber.org/zap"
)

// ExtraResolution reports what an accept or reject did.
type ExtraResolution struct {
	Month            generic.Month `json:"ym"`
	Changed          bool          `json:"changed"`
	ElectricExpected int           `json:"electric_expected"`
	Removed          []string      `json:"removed,omitempty"`
}

// SubmitReadings stores readings for an apartment and marks every month
// that received an electric tier above electric_expected. It returns the
// months newly marked.
func (s *BillService) SubmitReadings(ctx context.Context, apartmentID string, readings []meters.RawReading) ([]generic.Month, error) {
	p, err := s.stores.Profiles.GetProfile(ctx, apartmentID)
	if err != nil {
		return nil, err
	}
	expected := p.Expected()

	var extra []generic.Month
	seen := make(map[generic.Month]bool)
	for _, r := range readings {
		if err := s.stores.Readings.SaveReading(ctx, apartmentID, r); err != nil {
			return nil, fmt.Errorf("billing: save reading: %w", err)
		}
		if r.Channel.MeterType() == "electric" && r.Channel.MeterIndex() > expected && !seen[r.Month] {
			seen[r.Month] = true
			extra = append(extra, r.Month)
		}
	}

	var flagged []generic.Month
	for _, m := range extra {
		status, err := s.stores.Statuses.GetMonthStatus(ctx, apartmentID, m)
		if err != nil {
			return nil, fmt.Errorf("billing: load month status: %w", err)
		}
		if status.ElectricExtraPending {
			continue
		}
		if err := s.stores.Statuses.SetElectricExtra(ctx, apartmentID, m, true, generic.Some(expected)); err != nil {
			return nil, fmt.Errorf("billing: flag extra reading: %w", err)
		}
		flagged = append(flagged, m)
		s.audit(ctx, apartmentID, generic.Some(m), AuditExtraFlagged, map[string]any{"electric_expected": expected})
		s.logger.Info("extra electric reading flagged",
			zap.String("apartment_id", apartmentID), zap.Stringer("month", m), zap.Int("electric_expected", expected))
	}
	return flagged, nil
}

// AcceptElectricExtra keeps the extra reading of month m and raises the
// apartment's electric_expected to one above the snapshot.
func (s *BillService) AcceptElectricExtra(ctx context.Context, apartmentID string, m generic.Month) (ExtraResolution, error) {
	p, status, err := s.extraState(ctx, apartmentID, m)
	if err != nil {
		return ExtraResolution{}, err
	}
	res := ExtraResolution{Month: m, ElectricExpected: p.Expected()}
	if !status.ElectricExtraPending {
		return res, nil
	}

	next := status.ElectricExpectedSnapshot.OrElse(p.Expected()) + 1
	p.ElectricExpected = meters.ClampExpected(next)
	if err := s.stores.Profiles.SaveProfile(ctx, p); err != nil {
		return ExtraResolution{}, fmt.Errorf("billing: save profile: %w", err)
	}
	if err := s.stores.Statuses.SetElectricExtra(ctx, apartmentID, m, false, generic.None[int]()); err != nil {
		return ExtraResolution{}, fmt.Errorf("billing: clear extra reading: %w", err)
	}

	res.Changed = true
	res.ElectricExpected = p.Expected()
	s.audit(ctx, apartmentID, generic.Some(m), AuditExtraAccepted, map[string]any{"electric_expected": res.ElectricExpected})
	s.logger.Info("extra electric reading accepted",
		zap.String("apartment_id", apartmentID), zap.Stringer("month", m), zap.Int("electric_expected", res.ElectricExpected))
	return res, nil
}

// RejectElectricExtra deletes the electric readings of month m above the
// snapshot (electric_expected when none was recorded) and clears the mark.
func (s *BillService) RejectElectricExtra(ctx context.Context, apartmentID string, m generic.Month) (ExtraResolution, error) {
	p, status, err := s.extraState(ctx, apartmentID, m)
	if err != nil {
		return ExtraResolution{}, err
	}
	keep := meters.ClampExpected(status.ElectricExpectedSnapshot.OrElse(p.Expected()))
	res := ExtraResolution{Month: m, ElectricExpected: p.Expected()}
	if !status.ElectricExtraPending {
		return res, nil
	}

	for n := keep + 1; n <= 3; n++ {
		ch := meters.ElectricTier(n)
		if err := s.stores.Readings.DeleteReading(ctx, apartmentID, m, ch); err != nil {
			return ExtraResolution{}, fmt.Errorf("billing: delete reading: %w", err)
		}
		res.Removed = append(res.Removed, string(ch))
	}
	if err := s.stores.Statuses.SetElectricExtra(ctx, apartmentID, m, false, generic.None[int]()); err != nil {
		return ExtraResolution{}, fmt.Errorf("billing: clear extra reading: %w", err)
	}

	res.Changed = true
	s.audit(ctx, apartmentID, generic.Some(m), AuditExtraRejected, map[string]any{"removed": res.Removed})
	s.logger.Info("extra electric reading rejected",
		zap.String("apartment_id", apartmentID), zap.Stringer("month", m), zap.Strings("removed", res.Removed))
	return res, nil
}

func (s *BillService) extraState(ctx context.Context, apartmentID string, m generic.Month) (Profile, MonthStatus, error) {
	p, err := s.stores.Profiles.GetProfile(ctx, apartmentID)
	if err != nil {
		return Profile{}, MonthStatus{}, err
	}
	status, err := s.stores.Statuses.GetMonthStatus(ctx, apartmentID, m)
	if err != nil {
		return Profile{}, MonthStatus{}, fmt.Errorf("billing: load month status: %w", err)
	}
	return p, status, nil
}
