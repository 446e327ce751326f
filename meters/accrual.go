package meters

import (
	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/tariff"
)

// =============================================================================
// ACCRUAL - delta x rate per channel, gated by completeness
// =============================================================================

// Accrual is the money computed for one month row.
type Accrual struct {
	Month    generic.Month
	Expected int // electric channels expected, 1..3

	// Charges holds the billed channels: cold, hot, sewer, electric_1 and,
	// when Expected >= 2, electric_2. A charge is unset when the channel has
	// no delta or no rate.
	Charges map[Channel]generic.Optional[generic.Money]

	// SewerDelta is the delta sewer was billed on; it falls back to
	// cold + hot when no sewer meter delta exists.
	SewerDelta decimal.Decimal

	Complete bool
	Missing  []Channel // expected channels lacking a usable current value
	Unpriced []Channel // channels with a delta but no resolved rate

	// Total is the sum of Charges when Complete, unset otherwise.
	Total generic.Optional[generic.Money]
}

// Charge returns the channel's charge.
func (a Accrual) Charge(c Channel) generic.Optional[generic.Money] {
	return a.Charges[c]
}

// Electric returns the sum of the billed electric tiers.
func (a Accrual) Electric() generic.Money {
	return generic.Sum(a.Charges[ElectricT1], a.Charges[ElectricT2])
}

// Option adjusts a single computation.
type Option func(*computeOptions)

type computeOptions struct {
	allowManualT3 bool
}

// AllowManualT3 accepts a manually entered tier 3 value in place of a
// photographed one. Used by the operator's send-without-T3-photo override.
func AllowManualT3() Option {
	return func(o *computeOptions) { o.allowManualT3 = true }
}

// ClampExpected normalizes electric_expected to 1..3; zero means 3.
func ClampExpected(n int) int {
	switch {
	case n == 0:
		return 3
	case n < 1:
		return 1
	case n > 3:
		return 3
	}
	return n
}

// Missing returns the expected channels of row that block billing, in
// display order.
func Missing(row MonthRow, expected int, opts ...Option) []Channel {
	var o computeOptions
	for _, opt := range opts {
		opt(&o)
	}
	expected = ClampExpected(expected)

	var missing []Channel
	for _, ch := range []Channel{Cold, Hot, ElectricT1} {
		if !row.Get(ch).Current.IsSet() {
			missing = append(missing, ch)
		}
	}
	if expected >= 2 && !row.Get(ElectricT2).Current.IsSet() {
		missing = append(missing, ElectricT2)
	}
	if expected >= 3 {
		t3 := row.Get(ElectricT3)
		if !t3.Current.IsSet() || (t3.Source != SourceOCR && !o.allowManualT3) {
			missing = append(missing, ElectricT3)
		}
	}
	return missing
}

// Compute prices row at rates. Tier 3 is never priced.
func Compute(row MonthRow, rates tariff.RateSet, expected int, opts ...Option) Accrual {
	expected = ClampExpected(expected)
	a := Accrual{
		Month:    row.Month,
		Expected: expected,
		Charges:  make(map[Channel]generic.Optional[generic.Money], 5),
	}

	price := func(ch Channel, delta generic.Optional[decimal.Decimal], rate generic.Optional[generic.Money]) {
		d, hasDelta := delta.Get()
		if !hasDelta {
			a.Charges[ch] = generic.None[generic.Money]()
			return
		}
		r, hasRate := rate.Get()
		if !hasRate {
			a.Unpriced = append(a.Unpriced, ch)
			a.Charges[ch] = generic.None[generic.Money]()
			return
		}
		a.Charges[ch] = generic.Some(r.Mul(d))
	}

	coldDelta := row.Get(Cold).Delta
	hotDelta := row.Get(Hot).Delta
	sewerDelta := row.Get(Sewer).Delta
	if !sewerDelta.IsSet() {
		sewerDelta = generic.Some(coldDelta.OrElse(decimal.Zero).Add(hotDelta.OrElse(decimal.Zero)))
	}
	a.SewerDelta = sewerDelta.OrElse(decimal.Zero)

	price(Cold, coldDelta, rates.Cold)
	price(Hot, hotDelta, rates.Hot)
	price(Sewer, sewerDelta, rates.Sewer)
	price(ElectricT1, row.Get(ElectricT1).Delta, rates.ElectricT1)
	if expected >= 2 {
		price(ElectricT2, row.Get(ElectricT2).Delta, rates.ElectricT2)
	}

	a.Missing = Missing(row, expected, opts...)
	a.Complete = len(a.Missing) == 0
	if a.Complete {
		total := generic.Zero
		for _, charge := range a.Charges {
			total = total.Add(charge.OrElse(generic.Zero))
		}
		a.Total = generic.Some(total)
	}
	return a
}
