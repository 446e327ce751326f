/*
Package meters turns meter readings into money.

PURPOSE:
  A month row holds one reading per channel (cold, hot, sewer, electric
  tiers 1..3). The accrual calculator multiplies each channel's delta by
  its resolved rate and gates the total on completeness: a month with a
  missing expected reading has no total at all, never a partial sum.

KEY CONCEPTS IN THIS FILE (reading.go):
  - Channel: a billable or informational meter position
  - Reading: current / previous / delta / source for one channel
  - MonthRow: all channels of one apartment for one month
  - BuildHistory: raw readings -> chronological rows with deltas

TIER 3:
  Electric tier 3 is the meter's running total (T1+T2). It is read and
  checked for consistency but never multiplied by a rate.

SEE ALSO:
  - accrual.go: Compute, completeness gate
  - drift.go: month-over-month sanity checks
*/
package meters

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/generic"
)

// =============================================================================
// CHANNELS
// =============================================================================

// Channel identifies a meter position. The string form is the key used in
// "missing" lists (e.g. "electric_3").
type Channel string

const (
	Cold       Channel = "cold"
	Hot        Channel = "hot"
	Sewer      Channel = "sewer"
	ElectricT1 Channel = "electric_1"
	ElectricT2 Channel = "electric_2"
	ElectricT3 Channel = "electric_3"
)

// AllChannels lists every channel in display order.
var AllChannels = []Channel{Cold, Hot, Sewer, ElectricT1, ElectricT2, ElectricT3}

// ElectricTier returns the channel for tier n (1..3).
func ElectricTier(n int) Channel {
	switch n {
	case 2:
		return ElectricT2
	case 3:
		return ElectricT3
	}
	return ElectricT1
}

// MeterType is the meter family stored alongside readings and flags.
func (c Channel) MeterType() string {
	switch c {
	case ElectricT1, ElectricT2, ElectricT3:
		return "electric"
	}
	return string(c)
}

// MeterIndex is the position within the family; water meters use 1.
func (c Channel) MeterIndex() int {
	switch c {
	case ElectricT2:
		return 2
	case ElectricT3:
		return 3
	}
	return 1
}

// ChannelFor maps a stored (meter_type, meter_index) pair to a channel.
func ChannelFor(meterType string, index int) (Channel, bool) {
	switch meterType {
	case "cold":
		return Cold, true
	case "hot":
		return Hot, true
	case "sewer":
		return Sewer, true
	case "electric":
		if index >= 1 && index <= 3 {
			return ElectricTier(index), true
		}
	}
	return "", false
}

// =============================================================================
// READINGS
// =============================================================================

// Source tells how a reading was captured.
type Source string

const (
	SourceManual Source = "manual"
	SourceOCR    Source = "ocr"
)

// Reading is one channel of one month.
type Reading struct {
	Current  generic.Optional[decimal.Decimal] `json:"current"`
	Previous generic.Optional[decimal.Decimal] `json:"previous"`
	Delta    generic.Optional[decimal.Decimal] `json:"delta"`
	Source   Source                            `json:"source,omitempty"`
}

// MonthRow is every channel of one apartment for one month.
type MonthRow struct {
	Month    generic.Month
	Readings map[Channel]Reading
}

// Get returns the channel's reading, or an empty one.
func (r MonthRow) Get(c Channel) Reading {
	if r.Readings == nil {
		return Reading{}
	}
	return r.Readings[c]
}

// HasPrevious reports whether any water meter or any of the first
// `expected` electric tiers has a previous value.
func (r MonthRow) HasPrevious(expected int) bool {
	if r.Get(Cold).Previous.IsSet() || r.Get(Hot).Previous.IsSet() {
		return true
	}
	for i := 1; i <= expected && i <= 3; i++ {
		if r.Get(ElectricTier(i)).Previous.IsSet() {
			return true
		}
	}
	return false
}

// RawReading is a stored reading before deltas are derived.
type RawReading struct {
	Month   generic.Month
	Channel Channel
	Value   decimal.Decimal
	Source  Source
}

// BuildHistory groups raw readings into chronological month rows. For each
// channel, previous is the preceding observed month's current value (unset
// when that month lacked the channel) and delta is current - previous when
// both exist. A later duplicate of the same (month, channel) wins.
func BuildHistory(raw []RawReading) []MonthRow {
	byMonth := make(map[generic.Month]map[Channel]RawReading)
	for _, rr := range raw {
		if byMonth[rr.Month] == nil {
			byMonth[rr.Month] = make(map[Channel]RawReading)
		}
		byMonth[rr.Month][rr.Channel] = rr
	}

	months := make([]generic.Month, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i] < months[j] })

	prev := make(map[Channel]generic.Optional[decimal.Decimal], len(AllChannels))
	rows := make([]MonthRow, 0, len(months))
	for _, m := range months {
		row := MonthRow{Month: m, Readings: make(map[Channel]Reading, len(AllChannels))}
		for _, ch := range AllChannels {
			reading := Reading{Previous: prev[ch]}
			if rr, ok := byMonth[m][ch]; ok {
				reading.Current = generic.Some(rr.Value)
				reading.Source = rr.Source
			}
			cur, hasCur := reading.Current.Get()
			if p, hasPrev := reading.Previous.Get(); hasCur && hasPrev {
				reading.Delta = generic.Some(cur.Sub(p))
			}
			row.Readings[ch] = reading
			prev[ch] = reading.Current
		}
		rows = append(rows, row)
	}
	return rows
}

// FindRow returns the row for m.
func FindRow(rows []MonthRow, m generic.Month) (MonthRow, bool) {
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Month >= m })
	if i < len(rows) && rows[i].Month == m {
		return rows[i], true
	}
	return MonthRow{}, false
}
