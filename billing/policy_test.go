package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/generic"
)

func ym(s string) generic.Month { return generic.MustParseMonth(s) }

func rub(s string) generic.Money { return generic.MustParseMoney(s) }

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

// =============================================================================
// UTILITY DUE POLICY
// =============================================================================

func TestComputeDue_QuarterlyPeriodicity(t *testing.T) {
	// GIVEN: a 3-month advance cycle anchored at 2026-01
	p := billing.Profile{
		UtilitiesMode:          billing.ModeQuarterly,
		UtilitiesAdvanceAmount: rub("9000"),
		UtilitiesAdvanceCycle:  3,
		UtilitiesAdvanceAnchor: generic.Some(ym("2026-01")),
	}

	tests := []struct {
		month string
		due   string
	}{
		{"2025-10", "9000"},
		{"2025-12", "0"},
		{"2026-01", "9000"},
		{"2026-02", "0"},
		{"2026-03", "0"},
		{"2026-04", "9000"},
		{"2026-07", "9000"},
		{"2026-08", "0"},
		{"2027-01", "9000"},
	}
	for _, tt := range tests {
		t.Run(tt.month, func(t *testing.T) {
			// WHEN
			due := billing.ComputeDue(p, ym(tt.month), generic.None[generic.Money]())

			// THEN
			got, ok := due.Get()
			if !ok || !got.Equal(rub(tt.due)) {
				t.Errorf("due for %s = %v, want %s", tt.month, due.Ptr(), tt.due)
			}
		})
	}
}

func TestComputeDue_QuarterlyAnchorsOnTenancy(t *testing.T) {
	p := billing.Profile{
		UtilitiesMode:          billing.ModeQuarterly,
		UtilitiesAdvanceAmount: rub("6000"),
		UtilitiesAdvanceCycle:  2,
		TenantSince:            generic.Some(date(2026, time.February, 14)),
	}
	assert.True(t, billing.IsAdvanceMonth(p, ym("2026-02")))
	assert.False(t, billing.IsAdvanceMonth(p, ym("2026-03")))
	assert.True(t, billing.IsAdvanceMonth(p, ym("2026-04")))
}

func TestComputeDue_FixedBeforeTenancyIsZero(t *testing.T) {
	// GIVEN: fixed 3000 for a tenancy starting in March
	p := billing.Profile{
		UtilitiesMode:         billing.ModeFixed,
		UtilitiesFixedMonthly: rub("3000"),
		TenantSince:           generic.Some(date(2026, time.March, 1)),
	}

	// WHEN / THEN: February owes nothing, March owes the fixed fee
	assert.True(t, billing.ComputeDue(p, ym("2026-02"), generic.None[generic.Money]()).OrElse(rub("-1")).IsZero())
	assert.True(t, billing.ComputeDue(p, ym("2026-03"), generic.None[generic.Money]()).OrElse(generic.Zero).Equal(rub("3000")))
}

func TestComputeDue_ByActualPropagatesUnset(t *testing.T) {
	p := billing.Profile{UtilitiesMode: billing.ModeByActual}

	assert.False(t, billing.ComputeDue(p, ym("2026-02"), generic.None[generic.Money]()).IsSet())

	due := billing.ComputeDue(p, ym("2026-02"), generic.Some(rub("1387.50")))
	assert.True(t, due.OrElse(generic.Zero).Equal(rub("1387.50")))
}

func TestComputeDue_FixedIgnoresNonPositive(t *testing.T) {
	p := billing.Profile{UtilitiesMode: billing.ModeFixed, UtilitiesFixedMonthly: rub("-5")}
	assert.True(t, billing.ComputeDue(p, ym("2026-02"), generic.Some(rub("100"))).OrElse(rub("1")).IsZero())
}

func TestProfile_Defaults(t *testing.T) {
	var p billing.Profile
	assert.Equal(t, 3, p.Expected())
	assert.Equal(t, billing.ModeByActual, p.Mode())
	assert.Equal(t, 3, p.AdvanceCycle())

	p.UtilitiesAdvanceCycle = 1
	assert.Equal(t, 2, p.AdvanceCycle())
}

// =============================================================================
// RENT
// =============================================================================

func TestRentAmount_Guard(t *testing.T) {
	p := billing.Profile{
		RentMonthly:   rub("30000"),
		HasActiveChat: true,
		TenantSince:   generic.Some(date(2026, time.March, 20)),
	}

	assert.True(t, billing.RentAmount(p, ym("2026-02"), p.RentMonthly).IsZero(), "before tenancy")
	assert.True(t, billing.RentAmount(p, ym("2026-03"), p.RentMonthly).Equal(rub("30000")), "tenancy month")
	assert.True(t, billing.RentAmount(p, ym("2027-01"), p.RentMonthly).Equal(rub("30000")))

	p.HasActiveChat = false
	assert.True(t, billing.RentAmount(p, ym("2026-04"), p.RentMonthly).IsZero(), "no active chat")
}

func TestComputeRent_Overdue(t *testing.T) {
	p := billing.Profile{
		RentMonthly:   rub("30000"),
		HasActiveChat: true,
		TenantSince:   generic.Some(date(2025, time.November, 5)),
	}

	tests := []struct {
		name    string
		month   string
		now     time.Time
		paid    bool
		overdue bool
	}{
		{"on due day", "2026-03", date(2026, time.March, 5), false, false},
		{"grace day", "2026-03", date(2026, time.March, 6).Add(20 * time.Hour), false, false},
		{"two days late", "2026-03", date(2026, time.March, 7), false, true},
		{"paid", "2026-03", date(2026, time.March, 20), true, false},
		{"past month never overdue", "2026-02", date(2026, time.March, 20), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := billing.ComputeRent(p, ym(tt.month), p.RentMonthly, tt.paid, tt.now)
			assert.Equal(t, tt.overdue, r.Overdue)
			assert.Equal(t, 5, r.DueDay.OrElse(0))
		})
	}
}

func TestComputeRent_ClampsDueDay(t *testing.T) {
	p := billing.Profile{
		RentMonthly:   rub("30000"),
		HasActiveChat: true,
		TenantSince:   generic.Some(date(2025, time.January, 31)),
	}
	r := billing.ComputeRent(p, ym("2026-02"), p.RentMonthly, false, date(2026, time.February, 1))
	assert.Equal(t, date(2026, time.February, 28), r.DueDate.OrElse(time.Time{}))
}

// =============================================================================
// REVIEW FLAG GATE
// =============================================================================

func TestFlagGate_OnlyOpenFlags(t *testing.T) {
	open := billing.ReviewFlag{ID: "a", Month: ym("2026-02"), MeterType: "electric", MeterIndex: 2, Status: billing.FlagOpen}
	resolved := billing.ReviewFlag{ID: "b", Month: ym("2026-02"), MeterType: "cold", MeterIndex: 1, Status: billing.FlagResolved}

	gate := billing.NewFlagGate([]billing.ReviewFlag{open, resolved})

	f, ok := gate.Flag(ym("2026-02"), "electric", 2)
	assert.True(t, ok)
	assert.Equal(t, "a", f.ID)

	_, ok = gate.Flag(ym("2026-02"), "cold", 1)
	assert.False(t, ok, "resolved flags do not gate")
	_, ok = gate.Flag(ym("2026-03"), "electric", 2)
	assert.False(t, ok)
	assert.Len(t, gate.InMonth(ym("2026-02")), 1)
}
