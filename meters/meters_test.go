package meters_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/tariff"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rub(s string) generic.Money { return generic.MustParseMoney(s) }

func reading(prev, cur string, src meters.Source) meters.Reading {
	r := meters.Reading{Source: src}
	if cur != "" {
		r.Current = generic.Some(dec(cur))
	}
	if prev != "" {
		r.Previous = generic.Some(dec(prev))
	}
	if cur != "" && prev != "" {
		r.Delta = generic.Some(dec(cur).Sub(dec(prev)))
	}
	return r
}

// fullRow has every channel read, tier 3 from a photo.
func fullRow() meters.MonthRow {
	return meters.MonthRow{
		Month: generic.MustParseMonth("2026-02"),
		Readings: map[meters.Channel]meters.Reading{
			meters.Cold:       reading("100", "105", meters.SourceOCR),
			meters.Hot:        reading("50", "52", meters.SourceOCR),
			meters.ElectricT1: reading("1000", "1100", meters.SourceOCR),
			meters.ElectricT2: reading("500", "530", meters.SourceOCR),
			meters.ElectricT3: reading("1500", "1630", meters.SourceOCR),
		},
	}
}

func rates() tariff.RateSet {
	return tariff.RateSet{
		Cold:       generic.Some(rub("3.50")),
		Hot:        generic.Some(rub("200")),
		Sewer:      generic.Some(rub("40")),
		ElectricT1: generic.Some(rub("6")),
		ElectricT2: generic.Some(rub("3")),
		ElectricT3: generic.Some(rub("100")),
		Source:     tariff.SourceGlobal,
	}
}

func assertMoney(t *testing.T, want string, got generic.Optional[generic.Money], what string) {
	t.Helper()
	v, ok := got.Get()
	require.True(t, ok, "%s should be set", what)
	assert.True(t, v.Equal(rub(want)), "%s: want %s, got %s", what, want, v)
}

// =============================================================================
// ACCRUAL
// =============================================================================

func TestCompute_ColdScenario(t *testing.T) {
	// GIVEN: cold delta 5 at 3.50
	a := meters.Compute(fullRow(), rates(), 3)

	// THEN: cold accrual is 17.50
	assertMoney(t, "17.50", a.Charge(meters.Cold), "cold")
}

func TestCompute_TotalExcludesTier3(t *testing.T) {
	// GIVEN: a complete row with every channel
	a := meters.Compute(fullRow(), rates(), 3)

	// THEN: total = cold 17.5 + hot 400 + sewer 7*40 + t1 600 + t2 90
	require.True(t, a.Complete)
	assertMoney(t, "1387.50", a.Total, "total")
	assert.False(t, a.Charge(meters.ElectricT3).IsSet(), "tier 3 is informational")
	assert.True(t, a.SewerDelta.Equal(dec("7")), "sewer falls back to cold+hot")
}

func TestCompute_SewerMeterWins(t *testing.T) {
	row := fullRow()
	row.Readings[meters.Sewer] = reading("10", "12", meters.SourceManual)

	a := meters.Compute(row, rates(), 3)

	assertMoney(t, "80", a.Charge(meters.Sewer), "sewer")
}

func TestCompute_SingleTierExcludesT2(t *testing.T) {
	row := fullRow()
	delete(row.Readings, meters.ElectricT2)
	delete(row.Readings, meters.ElectricT3)

	a := meters.Compute(row, rates(), 1)

	require.True(t, a.Complete)
	assert.False(t, a.Charge(meters.ElectricT2).IsSet())
	assertMoney(t, "1297.50", a.Total, "total")
}

func TestCompute_CompletenessGate(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		mutate   func(r meters.MonthRow)
		missing  []meters.Channel
	}{
		{"complete", 3, func(meters.MonthRow) {}, nil},
		{"no cold", 3, func(r meters.MonthRow) { delete(r.Readings, meters.Cold) }, []meters.Channel{meters.Cold}},
		{"no hot", 1, func(r meters.MonthRow) { delete(r.Readings, meters.Hot) }, []meters.Channel{meters.Hot}},
		{"no t2, one expected", 1, func(r meters.MonthRow) { delete(r.Readings, meters.ElectricT2) }, nil},
		{"no t2, two expected", 2, func(r meters.MonthRow) { delete(r.Readings, meters.ElectricT2) }, []meters.Channel{meters.ElectricT2}},
		{"no t3, two expected", 2, func(r meters.MonthRow) { delete(r.Readings, meters.ElectricT3) }, nil},
		{"no t3, three expected", 3, func(r meters.MonthRow) { delete(r.Readings, meters.ElectricT3) }, []meters.Channel{meters.ElectricT3}},
		{"manual t3", 3, func(r meters.MonthRow) {
			r.Readings[meters.ElectricT3] = reading("1500", "1630", meters.SourceManual)
		}, []meters.Channel{meters.ElectricT3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := fullRow()
			tt.mutate(row)

			a := meters.Compute(row, rates(), tt.expected)

			assert.Equal(t, tt.missing, a.Missing)
			assert.Equal(t, len(tt.missing) == 0, a.Complete)
			assert.Equal(t, a.Complete, a.Total.IsSet(), "total is null iff incomplete")
		})
	}
}

func TestCompute_AllowManualT3(t *testing.T) {
	row := fullRow()
	row.Readings[meters.ElectricT3] = reading("1500", "1630", meters.SourceManual)

	a := meters.Compute(row, rates(), 3, meters.AllowManualT3())

	assert.True(t, a.Complete)
	assert.Empty(t, a.Missing)
}

func TestCompute_UnpricedChannelCountsAsZero(t *testing.T) {
	rs := rates()
	rs.Hot = generic.None[generic.Money]()

	a := meters.Compute(fullRow(), rs, 3)

	assert.Equal(t, []meters.Channel{meters.Hot}, a.Unpriced)
	assertMoney(t, "987.50", a.Total, "total")
}

func TestClampExpected(t *testing.T) {
	assert.Equal(t, 3, meters.ClampExpected(0))
	assert.Equal(t, 1, meters.ClampExpected(-2))
	assert.Equal(t, 3, meters.ClampExpected(7))
	assert.Equal(t, 2, meters.ClampExpected(2))
}

// =============================================================================
// HISTORY
// =============================================================================

func TestBuildHistory_DerivesPreviousAndDelta(t *testing.T) {
	jan := generic.MustParseMonth("2026-01")
	feb := jan.Add(1)
	mar := jan.Add(2)
	raw := []meters.RawReading{
		{Month: feb, Channel: meters.Cold, Value: dec("105"), Source: meters.SourceOCR},
		{Month: jan, Channel: meters.Cold, Value: dec("100"), Source: meters.SourceOCR},
		{Month: jan, Channel: meters.Hot, Value: dec("50"), Source: meters.SourceManual},
		{Month: mar, Channel: meters.Cold, Value: dec("111"), Source: meters.SourceOCR},
		{Month: mar, Channel: meters.Hot, Value: dec("60"), Source: meters.SourceOCR},
	}

	rows := meters.BuildHistory(raw)

	require.Len(t, rows, 3)
	assert.Equal(t, jan, rows[0].Month)
	assert.False(t, rows[0].Get(meters.Cold).Delta.IsSet(), "first month has no delta")

	cold := rows[1].Get(meters.Cold)
	assert.True(t, cold.Delta.OrElse(decimal.Zero).Equal(dec("5")))

	// February lacked a hot reading, so March has no previous for hot.
	hot := rows[2].Get(meters.Hot)
	assert.False(t, hot.Previous.IsSet())
	assert.False(t, hot.Delta.IsSet())

	row, ok := meters.FindRow(rows, feb)
	require.True(t, ok)
	assert.Equal(t, feb, row.Month)
	_, ok = meters.FindRow(rows, jan.Add(5))
	assert.False(t, ok)
}

func TestMonthRow_HasPrevious(t *testing.T) {
	row := meters.MonthRow{Readings: map[meters.Channel]meters.Reading{
		meters.ElectricT3: reading("1", "2", meters.SourceOCR),
	}}
	assert.False(t, row.HasPrevious(2), "tier 3 does not count below three expected")
	assert.True(t, row.HasPrevious(3))
	assert.True(t, fullRow().HasPrevious(1))
}

func TestChannelFor(t *testing.T) {
	ch, ok := meters.ChannelFor("electric", 2)
	require.True(t, ok)
	assert.Equal(t, meters.ElectricT2, ch)
	assert.Equal(t, "electric", ch.MeterType())
	assert.Equal(t, 2, ch.MeterIndex())

	_, ok = meters.ChannelFor("electric", 4)
	assert.False(t, ok)
	_, ok = meters.ChannelFor("gas", 1)
	assert.False(t, ok)
}

// =============================================================================
// DRIFT AND T3
// =============================================================================

func TestDrift_FlagsLinesOverThreshold(t *testing.T) {
	// GIVEN: this month's lines and last month's lines
	cur := fullRowComponents()
	prevRow := meters.MonthRow{Readings: map[meters.Channel]meters.Reading{
		meters.Cold:       reading("95", "100", meters.SourceOCR),
		meters.Hot:        reading("49", "50", meters.SourceOCR),
		meters.ElectricT1: reading("990", "1000", meters.SourceOCR),
		meters.ElectricT2: reading("495", "500", meters.SourceOCR),
	}}
	prev := meters.PriorComponents(prevRow, rates())

	// WHEN: drift is checked against 500
	items := meters.Drift(cur, prev, rub("500"))

	// THEN: electric moved 690-75=615 and total moved 1387.5-532.5=855
	require.Len(t, items, 2)
	assert.True(t, items[meters.ArticleElectric].Diff.Equal(rub("615")))
	assert.True(t, items[meters.ArticleTotal].Diff.Equal(rub("855")))
	assert.True(t, items[meters.ArticleTotal].Previous.Equal(rub("532.5")))
}

func fullRowComponents() meters.Components {
	return meters.Compute(fullRow(), rates(), 3).Components()
}

func TestPriorComponents_TotalNeedsEveryLine(t *testing.T) {
	prevRow := meters.MonthRow{Readings: map[meters.Channel]meters.Reading{
		meters.Cold: reading("95", "100", meters.SourceOCR),
	}}

	c := meters.PriorComponents(prevRow, rates())

	assert.True(t, c.Cold.IsSet())
	assert.False(t, c.Hot.IsSet())
	assert.False(t, c.Sewer.IsSet(), "sewer fallback needs both water deltas")
	assert.False(t, c.Total.IsSet())
	assert.NotContains(t, meters.Drift(fullRowComponents(), c, rub("0.01")), meters.ArticleTotal)
}

func TestComponents_Equal(t *testing.T) {
	a := fullRowComponents()
	b := fullRowComponents()
	assert.True(t, a.Equal(b))

	b.Cold = generic.Some(rub("17.51"))
	assert.False(t, a.Equal(b))
}

func TestCheckT3(t *testing.T) {
	row := fullRow()
	assert.False(t, meters.CheckT3(row).Mismatch, "1100+530 = 1630")

	row.Readings[meters.ElectricT3] = reading("1500", "1640", meters.SourceOCR)
	check := meters.CheckT3(row)
	assert.True(t, check.Mismatch)
	assert.True(t, check.Expected.OrElse(decimal.Zero).Equal(dec("1630")))

	delete(row.Readings, meters.ElectricT2)
	assert.False(t, meters.CheckT3(row).Mismatch, "nothing to compare without T2")
}
