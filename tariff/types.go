/*
Package tariff resolves effective-dated rate schedules.

PURPOSE:
  A tariff entry is valid from its month onward until a later entry
  supersedes it. The global catalog holds one entry per month_from; each
  apartment may carry its own override timeline whose fields are all
  optional ("not set" means inherit the global value).

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: a global rate schedule row (cold, hot, sewer, electric tiers)
  - Override: a per-apartment row, every field optional, may carry rent
  - RateSet: the merged rates that apply to one month, with provenance

LEGACY ELECTRICITY:
  Older rows carry one "electric" rate. Tier rates T1/T2/T3 that are not
  set on a global entry fall back to it, so old data keeps billing.

SEE ALSO:
  - timeline.go: sorted storage and binary search by month
  - resolver.go: Resolve and ResolveWithOverride
*/
package tariff

import (
	"github.com/warp/rent-engine/generic"
)

// =============================================================================
// ENTRIES
// =============================================================================

// Entry is one row of the global catalog.
type Entry struct {
	EffectiveFrom generic.Month
	Cold          generic.Money
	Hot           generic.Money
	Sewer         generic.Money
	Electric      generic.Money // legacy single rate
	ElectricT1    generic.Optional[generic.Money]
	ElectricT2    generic.Optional[generic.Money]
	ElectricT3    generic.Optional[generic.Money]
}

func (e Entry) From() generic.Month { return e.EffectiveFrom }

// Tier returns the tier rate, or the legacy rate when the tier is unset.
func (e Entry) Tier(n int) generic.Money {
	switch n {
	case 1:
		return e.ElectricT1.OrElse(e.Electric)
	case 2:
		return e.ElectricT2.OrElse(e.Electric)
	case 3:
		return e.ElectricT3.OrElse(e.Electric)
	}
	return e.Electric
}

// Override is one row of an apartment's own tariff timeline.
type Override struct {
	ApartmentID   string
	EffectiveFrom generic.Month
	Cold          generic.Optional[generic.Money]
	Hot           generic.Optional[generic.Money]
	Sewer         generic.Optional[generic.Money]
	ElectricT1    generic.Optional[generic.Money]
	ElectricT2    generic.Optional[generic.Money]
	ElectricT3    generic.Optional[generic.Money]
	Rent          generic.Optional[generic.Money]
}

func (o Override) From() generic.Month { return o.EffectiveFrom }

// =============================================================================
// RATE SET - What applies to one month
// =============================================================================

// Source tells where the applied rates came from.
type Source string

const (
	SourceApartment Source = "apartment"
	SourceGlobal    Source = "global"
	SourceNone      Source = "none"
)

// RateSet is the merged result for one month. A field is unset only when
// neither the override nor the global catalog supplies it.
type RateSet struct {
	Month      generic.Month
	Cold       generic.Optional[generic.Money]
	Hot        generic.Optional[generic.Money]
	Sewer      generic.Optional[generic.Money]
	ElectricT1 generic.Optional[generic.Money]
	ElectricT2 generic.Optional[generic.Money]
	ElectricT3 generic.Optional[generic.Money]
	Rent       generic.Optional[generic.Money]

	Source        Source
	EffectiveFrom generic.Optional[generic.Month] // month_from of the entry that decided Source
	GlobalFrom    generic.Optional[generic.Month]
	OverrideFrom  generic.Optional[generic.Month]

	// Backfilled is true when the month predates the catalog and the
	// earliest global entry was used instead.
	Backfilled bool
}

// Err reports a ResolutionMiss when nothing at all applied.
func (r RateSet) Err() error {
	if r.Source == SourceNone {
		return &generic.ResolutionMissError{Month: r.Month}
	}
	return nil
}

// Tier returns the electric tier rate (1..3).
func (r RateSet) Tier(n int) generic.Optional[generic.Money] {
	switch n {
	case 1:
		return r.ElectricT1
	case 2:
		return r.ElectricT2
	case 3:
		return r.ElectricT3
	}
	return generic.None[generic.Money]()
}
