/*
resolver.go - Tariff resolution as of a month

PURPOSE:
  Resolve picks the global entry in force for a month. ResolveWithOverride
  resolves the global catalog and the apartment's override timeline
  independently, then merges them field by field: a set override field
  wins, otherwise the global value is used.

FALLBACK POLICY:
  When a month predates every global entry the resolver has two named
  behaviors:
    BackfillEarliest - use the earliest entry (the historical behavior;
                       onboarding an apartment with old readings still
                       produces a bill). The RateSet is marked Backfilled.
    NoBackfill       - resolve nothing; RateSet.Err() is a ResolutionMiss.
  Overrides never backfill: an override only applies from its own month.

USAGE:
  r := tariff.NewResolver(tariff.WithFallback(tariff.BackfillEarliest))
  rates := r.ResolveWithOverride(catalog, overrides, month)
  if rates.Backfilled { ... }

SEE ALSO:
  - timeline.go: binary search by month
  - meters/accrual.go: consumes RateSet
*/
package tariff

import (
	"fmt"
	"strings"

	"github.com/warp/rent-engine/generic"
)

// FallbackPolicy names what happens for months before the first entry.
type FallbackPolicy string

const (
	BackfillEarliest FallbackPolicy = "earliest"
	NoBackfill       FallbackPolicy = "none"
)

// ParseFallbackPolicy reads a policy name from configuration.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case BackfillEarliest, "":
		return BackfillEarliest, nil
	case NoBackfill:
		return NoBackfill, nil
	}
	return "", fmt.Errorf("tariff: unknown fallback policy %q", s)
}

// Resolver merges tariff timelines. It holds no state besides its policy
// and is safe for concurrent use.
type Resolver struct {
	fallback FallbackPolicy
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallback sets the policy for months before the first global entry.
func WithFallback(p FallbackPolicy) Option {
	return func(r *Resolver) { r.fallback = p }
}

// NewResolver creates a resolver. The default policy is BackfillEarliest.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{fallback: BackfillEarliest}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Fallback() FallbackPolicy { return r.fallback }

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve returns the global rates in force for m.
func (r *Resolver) Resolve(catalog Timeline[Entry], m generic.Month) RateSet {
	rs := RateSet{Month: m, Source: SourceNone}

	entry, ok := catalog.At(m)
	if !ok && r.fallback == BackfillEarliest {
		entry, ok = catalog.Earliest()
		rs.Backfilled = ok
	}
	if !ok {
		return rs
	}

	rs.Cold = generic.Some(entry.Cold)
	rs.Hot = generic.Some(entry.Hot)
	rs.Sewer = generic.Some(entry.Sewer)
	rs.ElectricT1 = generic.Some(entry.Tier(1))
	rs.ElectricT2 = generic.Some(entry.Tier(2))
	rs.ElectricT3 = generic.Some(entry.Tier(3))
	rs.Source = SourceGlobal
	rs.GlobalFrom = generic.Some(entry.EffectiveFrom)
	rs.EffectiveFrom = rs.GlobalFrom
	return rs
}

// ResolveWithOverride merges the apartment's override in force for m over
// the global rates for m.
func (r *Resolver) ResolveWithOverride(catalog Timeline[Entry], overrides Timeline[Override], m generic.Month) RateSet {
	rs := r.Resolve(catalog, m)

	ov, ok := overrides.At(m)
	if !ok {
		return rs
	}

	rs.Cold = ov.Cold.Or(rs.Cold)
	rs.Hot = ov.Hot.Or(rs.Hot)
	rs.Sewer = ov.Sewer.Or(rs.Sewer)
	rs.ElectricT1 = ov.ElectricT1.Or(rs.ElectricT1)
	rs.ElectricT2 = ov.ElectricT2.Or(rs.ElectricT2)
	rs.ElectricT3 = ov.ElectricT3.Or(rs.ElectricT3)
	rs.Rent = ov.Rent
	rs.Source = SourceApartment
	rs.OverrideFrom = generic.Some(ov.EffectiveFrom)
	rs.EffectiveFrom = rs.OverrideFrom
	return rs
}
