package billing

import (
	"github.com/warp/rent-engine/generic"
)

// =============================================================================
// UTILITY DUE POLICY
// =============================================================================

// ComputeDue returns what is due for utilities in month m under the
// profile's mode. total is the month's metered accrual; it is only read
// in by_actual_monthly mode, where an unset total stays unset.
func ComputeDue(p Profile, m generic.Month, total generic.Optional[generic.Money]) generic.Optional[generic.Money] {
	if !p.StartedBy(m) {
		return generic.Some(generic.Zero)
	}

	switch p.Mode() {
	case ModeFixed:
		if p.UtilitiesFixedMonthly.IsPositive() {
			return generic.Some(p.UtilitiesFixedMonthly)
		}
		return generic.Some(generic.Zero)

	case ModeQuarterly:
		if IsAdvanceMonth(p, m) {
			return generic.Some(p.UtilitiesAdvanceAmount)
		}
		return generic.Some(generic.Zero)
	}
	return total
}

// AdvanceAnchor is the first month of the advance cycle: the configured
// anchor, else the tenancy start, else m itself.
func AdvanceAnchor(p Profile, m generic.Month) generic.Month {
	return p.UtilitiesAdvanceAnchor.Or(p.TenantSinceMonth()).OrElse(m)
}

// IsAdvanceMonth reports whether m starts an advance cycle. Months before
// the anchor follow the same cadence backwards.
func IsAdvanceMonth(p Profile, m generic.Month) bool {
	cycle := p.AdvanceCycle()
	idx := m.Sub(AdvanceAnchor(p, m)) % cycle
	if idx < 0 {
		idx += cycle
	}
	return idx == 0
}
