package billing

import (
	"time"

	"github.com/warp/rent-engine/generic"
)

// =============================================================================
// RENT DUE
// =============================================================================

// Rent is the rent position of one apartment for one month.
type Rent struct {
	Month   generic.Month
	Amount  generic.Money
	DueDay  generic.Optional[int]
	DueDate generic.Optional[time.Time]
	Paid    bool
	Overdue bool
}

// RentAmount is rentMonthly when it is positive, the apartment has an
// active chat, and m is not before the tenancy start; zero otherwise.
// rentMonthly is passed separately so a tariff rent override can replace
// the profile's figure.
func RentAmount(p Profile, m generic.Month, rentMonthly generic.Money) generic.Money {
	if !rentMonthly.IsPositive() || !p.HasActiveChat || !p.StartedBy(m) {
		return generic.Zero
	}
	return rentMonthly
}

// ComputeRent evaluates rent for m. Overdue applies only to the month
// containing now, and only once the day after the due date has passed.
func ComputeRent(p Profile, m generic.Month, rentMonthly generic.Money, paid bool, now time.Time) Rent {
	r := Rent{
		Month:  m,
		Amount: RentAmount(p, m, rentMonthly),
		DueDay: p.DueDay(),
		Paid:   paid,
	}
	day, ok := r.DueDay.Get()
	if !ok {
		return r
	}
	due := m.Date(day)
	r.DueDate = generic.Some(due)

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	r.Overdue = !paid &&
		r.Amount.IsPositive() &&
		m == generic.CurrentMonth(now) &&
		today.After(due.AddDate(0, 0, 1))
	return r
}
