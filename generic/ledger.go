/*
ledger.go - Carry balance recurrence

PURPOSE:
  Tracks the drift between what was charged for utilities in a month (due)
  and what was actually consumed (accrual). Like a transaction ledger the
  balance is never stored; it is replayed from the month entries in
  chronological order every time it is asked for.

RECURRENCE:
  carry[m] = carry[m-1] + due[m] - actual[m]
  carry before the first observed month is 0.
  A missing due or actual counts as 0: a month whose accrual cannot be
  billed yet contributes nothing to actual, so the unbilled consumption
  stays in the balance until a later month catches up.

EXAMPLE:
  fixed 3000/month, actual 2800, 3100, incomplete:
    2026-01: +200
    2026-02: +100
    2026-03: +3100

SEE ALSO:
  - billing/due.go: produces due[m]
  - meters/accrual.go: produces actual[m]
  - billing/engine.go: History uses this ledger
*/
package generic

import "sort"

// CarryEntry is one month's input to the ledger.
type CarryEntry struct {
	Month  Month
	Due    Optional[Money]
	Actual Optional[Money]
}

// CarryPoint is one month's replayed result.
type CarryPoint struct {
	Month  Month
	Due    Optional[Money]
	Actual Optional[Money]
	Carry  Money
}

// CarryLedger holds the replayed balance for an apartment's months.
type CarryLedger struct {
	points []CarryPoint
}

// NewCarryLedger replays entries in ascending month order. Entries are
// copied and sorted; a duplicated month is applied twice, as given.
func NewCarryLedger(entries []CarryEntry) *CarryLedger {
	sorted := make([]CarryEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Month < sorted[j].Month })

	points := make([]CarryPoint, 0, len(sorted))
	carry := Zero
	for _, e := range sorted {
		carry = carry.Add(e.Due.OrElse(Zero)).Sub(e.Actual.OrElse(Zero))
		points = append(points, CarryPoint{Month: e.Month, Due: e.Due, Actual: e.Actual, Carry: carry})
	}
	return &CarryLedger{points: points}
}

// Points returns the replayed months in order.
func (l *CarryLedger) Points() []CarryPoint { return l.points }

// BalanceAt returns the carry after the last entry at or before m, or zero
// when m predates every entry.
func (l *CarryLedger) BalanceAt(m Month) Money {
	i := sort.Search(len(l.points), func(i int) bool { return l.points[i].Month > m })
	if i == 0 {
		return Zero
	}
	return l.points[i-1].Carry
}

// Final returns the balance after the last entry.
func (l *CarryLedger) Final() Money {
	if len(l.points) == 0 {
		return Zero
	}
	return l.points[len(l.points)-1].Carry
}
