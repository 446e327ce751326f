/*
Package billing turns tariffs, meter history and apartment profiles into
monthly bills.

PURPOSE:
  The tariff package answers "what does a unit cost this month" and the
  meters package answers "how much was consumed". This package adds the
  apartment's billing policy on top: what is legally due, what rent is
  owed and whether it is overdue, how prepayment drift accumulates, and
  whether a bill may be sent.

KEY CONCEPTS IN THIS FILE (profile.go):
  - Profile: the per-apartment billing policy and tenancy data
  - UtilitiesMode: by_actual_monthly | fixed_monthly | quarterly_advance

DATA FLOW:
  readings + tariffs + overrides -> tariff.Resolver -> meters.Compute
    -> ComputeDue (+ RentDue) -> carry ledger -> Verdict

  Everything in due.go, rent.go, flags.go and workflow.go is a pure
  function. Engine (engine.go) fetches the collaborator data and calls
  them; BillService (service.go) drives the approve/send transitions.

SEE ALSO:
  - engine.go: the read-side operations
  - workflow.go: the bill verdict tagged union and its transitions
  - store.go: collaborator interfaces
*/
package billing

import (
	"time"

	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
)

// =============================================================================
// PROFILE
// =============================================================================

// UtilitiesMode selects how the utility due is computed.
type UtilitiesMode string

const (
	ModeByActual  UtilitiesMode = "by_actual_monthly"
	ModeFixed     UtilitiesMode = "fixed_monthly"
	ModeQuarterly UtilitiesMode = "quarterly_advance"
)

// Valid reports whether the mode is known.
func (m UtilitiesMode) Valid() bool {
	switch m {
	case ModeByActual, ModeFixed, ModeQuarterly:
		return true
	}
	return false
}

// DefaultAdvanceCycle is used when no cycle length is configured.
const DefaultAdvanceCycle = 3

// Profile is one apartment's billing policy.
type Profile struct {
	ApartmentID string
	Title       string

	// ElectricExpected is how many electric tiers participate in
	// completeness and totals. Zero means 3.
	ElectricExpected int

	TenantSince   generic.Optional[time.Time]
	RentMonthly   generic.Money
	HasActiveChat bool
	ChatID        string

	UtilitiesMode          UtilitiesMode
	UtilitiesFixedMonthly  generic.Money
	UtilitiesAdvanceAmount generic.Money
	UtilitiesAdvanceCycle  int
	UtilitiesAdvanceAnchor generic.Optional[generic.Month]
}

// Expected returns ElectricExpected clamped to 1..3.
func (p Profile) Expected() int { return meters.ClampExpected(p.ElectricExpected) }

// Mode returns the utilities mode, defaulting to by_actual_monthly.
func (p Profile) Mode() UtilitiesMode {
	if p.UtilitiesMode.Valid() {
		return p.UtilitiesMode
	}
	return ModeByActual
}

// AdvanceCycle returns the cycle length in months, never less than 2.
func (p Profile) AdvanceCycle() int {
	c := p.UtilitiesAdvanceCycle
	if c == 0 {
		c = DefaultAdvanceCycle
	}
	if c < 2 {
		c = 2
	}
	return c
}

// TenantSinceMonth returns the month the tenancy started.
func (p Profile) TenantSinceMonth() generic.Optional[generic.Month] {
	return generic.MapOptional(p.TenantSince, generic.MonthOf)
}

// DueDay is the day of month rent falls due: the day of tenant_since.
func (p Profile) DueDay() generic.Optional[int] {
	return generic.MapOptional(p.TenantSince, func(t time.Time) int { return t.Day() })
}

// StartedBy reports whether the tenancy has started by month m. A profile
// without tenant_since has always started.
func (p Profile) StartedBy(m generic.Month) bool {
	since, ok := p.TenantSinceMonth().Get()
	return !ok || !since.After(m)
}
