/*
engine.go - Read-side billing operations

PURPOSE:
  Engine fetches an apartment's profile, reading history, tariffs and
  flags from the collaborators, then runs the pure computations over that
  snapshot. Nothing is cached: every call re-derives its answer, so an
  edit made through any collaborator is visible on the next read.

OPERATIONS:
  ResolveTariff    effective rates for a month (override merged over global)
  ComputeMonthRow  per-channel accrual, total, completeness
  ComputeDue       policy due and carry balance
  ComputeRent      rent amount, due date, overdue
  ComputeBill      verdict, total, missing, pending items and flags
  History          every observed month with due and carry
  Month            row + due + rent for one month in a single read

ERRORS:
  Data conditions (incomplete readings, open flags, no tariff) are values
  in the results. Errors only come from collaborators, for example
  generic.ErrApartmentNotFound from the profile store.

SEE ALSO:
  - service.go: write-side transitions
  - workflow.go: Verdict and Bill
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/metrics"
	"github.com/warp/rent-engine/tariff"
)

// DefaultDiffThreshold is the month-over-month drift, in rubles, above
// which a bill line needs review.
var DefaultDiffThreshold = generic.NewMoneyFromInt(500)

// Engine computes bills from collaborator data.
type Engine struct {
	stores    Stores
	resolver  *tariff.Resolver
	threshold generic.Money
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithResolver(r *tariff.Resolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

func WithDiffThreshold(m generic.Money) EngineOption {
	return func(e *Engine) { e.threshold = m }
}

// WithClock replaces time.Now; overdue checks depend on it.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(stores Stores, opts ...EngineOption) *Engine {
	e := &Engine{
		stores:    stores,
		resolver:  tariff.NewResolver(),
		threshold: DefaultDiffThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.now() }

// Resolver returns the tariff resolver in use.
func (e *Engine) Resolver() *tariff.Resolver { return e.resolver }

// =============================================================================
// SNAPSHOT - Collaborator data for one apartment
// =============================================================================

type snapshot struct {
	profile   Profile
	rows      []meters.MonthRow
	catalog   tariff.Timeline[tariff.Entry]
	overrides tariff.Timeline[tariff.Override]
}

func (e *Engine) load(ctx context.Context, apartmentID string) (*snapshot, error) {
	profile, err := e.stores.Profiles.GetProfile(ctx, apartmentID)
	if err != nil {
		return nil, err
	}
	rows, err := e.stores.History.History(ctx, apartmentID)
	if err != nil {
		return nil, fmt.Errorf("billing: load history: %w", err)
	}
	global, err := e.stores.Tariffs.ListGlobal(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing: load tariffs: %w", err)
	}
	overrides, err := e.stores.Tariffs.ListForApartment(ctx, apartmentID)
	if err != nil {
		return nil, fmt.Errorf("billing: load apartment tariffs: %w", err)
	}
	return &snapshot{
		profile:   profile,
		rows:      rows,
		catalog:   tariff.NewTimeline(global),
		overrides: tariff.NewTimeline(overrides),
	}, nil
}

func (e *Engine) rates(s *snapshot, m generic.Month) tariff.RateSet {
	rs := e.resolver.ResolveWithOverride(s.catalog, s.overrides, m)
	metrics.ObserveResolution(string(rs.Source), rs.Backfilled)
	return rs
}

func (s *snapshot) row(m generic.Month) meters.MonthRow {
	if row, ok := meters.FindRow(s.rows, m); ok {
		return row
	}
	return meters.MonthRow{Month: m}
}

// rentMonthly is the profile's rent unless the month's tariff overrides it.
func rentMonthly(p Profile, rs tariff.RateSet) generic.Money {
	return rs.Rent.OrElse(p.RentMonthly)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ResolveTariff returns the rates that apply to the apartment in month m.
func (e *Engine) ResolveTariff(ctx context.Context, apartmentID string, m generic.Month) (tariff.RateSet, error) {
	defer metrics.ObserveCompute("resolve_tariff", time.Now())
	s, err := e.load(ctx, apartmentID)
	if err != nil {
		return tariff.RateSet{}, err
	}
	return e.rates(s, m), nil
}

// MonthAccrual is ComputeMonthRow's result.
type MonthAccrual struct {
	Row     meters.MonthRow
	Rates   tariff.RateSet
	Accrual meters.Accrual
}

// ComputeMonthRow prices month m of the apartment's readings.
func (e *Engine) ComputeMonthRow(ctx context.Context, apartmentID string, m generic.Month) (MonthAccrual, error) {
	defer metrics.ObserveCompute("compute_month_row", time.Now())
	s, err := e.load(ctx, apartmentID)
	if err != nil {
		return MonthAccrual{}, err
	}
	return e.monthAccrual(s, m), nil
}

func (e *Engine) monthAccrual(s *snapshot, m generic.Month, opts ...meters.Option) MonthAccrual {
	row := s.row(m)
	rs := e.rates(s, m)
	return MonthAccrual{
		Row:     row,
		Rates:   rs,
		Accrual: meters.Compute(row, rs, s.profile.Expected(), opts...),
	}
}

// DueResult is ComputeDue's result.
type DueResult struct {
	Month  generic.Month
	Due    generic.Optional[generic.Money]
	Actual generic.Optional[generic.Money]
	Carry  generic.Money
}

// ComputeDue returns what the utilities policy makes due in m and the
// carry balance after m. Months without readings do not enter the ledger.
func (e *Engine) ComputeDue(ctx context.Context, apartmentID string, m generic.Month) (DueResult, error) {
	defer metrics.ObserveCompute("compute_due", time.Now())
	s, err := e.load(ctx, apartmentID)
	if err != nil {
		return DueResult{}, err
	}
	return e.due(s, m), nil
}

func (e *Engine) due(s *snapshot, m generic.Month) DueResult {
	ma := e.monthAccrual(s, m)
	ledger := e.ledger(s)
	return DueResult{
		Month:  m,
		Due:    ComputeDue(s.profile, m, ma.Accrual.Total),
		Actual: ma.Accrual.Total,
		Carry:  ledger.BalanceAt(m),
	}
}

func (e *Engine) ledger(s *snapshot) *generic.CarryLedger {
	entries := make([]generic.CarryEntry, 0, len(s.rows))
	for _, row := range s.rows {
		a := meters.Compute(row, e.rates(s, row.Month), s.profile.Expected())
		entries = append(entries, generic.CarryEntry{
			Month:  row.Month,
			Due:    ComputeDue(s.profile, row.Month, a.Total),
			Actual: a.Total,
		})
	}
	return generic.NewCarryLedger(entries)
}

// ComputeRent returns the rent position of month m.
func (e *Engine) ComputeRent(ctx context.Context, apartmentID string, m generic.Month) (Rent, error) {
	defer metrics.ObserveCompute("compute_rent", time.Now())
	s, err := e.load(ctx, apartmentID)
	if err != nil {
		return Rent{}, err
	}
	return e.rent(ctx, s, m)
}

func (e *Engine) rent(ctx context.Context, s *snapshot, m generic.Month) (Rent, error) {
	status, err := e.stores.Statuses.GetMonthStatus(ctx, s.profile.ApartmentID, m)
	if err != nil {
		return Rent{}, fmt.Errorf("billing: load month status: %w", err)
	}
	rs := e.rates(s, m)
	return ComputeRent(s.profile, m, rentMonthly(s.profile, rs), status.RentPaid, e.now()), nil
}

// ComputeBill computes the bill of month m together with its stored state.
func (e *Engine) ComputeBill(ctx context.Context, apartmentID string, m generic.Month) (Bill, error) {
	defer metrics.ObserveCompute("compute_bill", time.Now())
	in, err := e.billInputs(ctx, apartmentID, m)
	if err != nil {
		return Bill{}, err
	}
	b := e.bill(in, m)
	metrics.ObserveBill(string(b.Reason()))
	return b, nil
}

type billInputs struct {
	snapshot *snapshot
	gate     FlagGate
	state    BillState
	status   MonthStatus
}

func (e *Engine) billInputs(ctx context.Context, apartmentID string, m generic.Month) (*billInputs, error) {
	s, err := e.load(ctx, apartmentID)
	if err != nil {
		return nil, err
	}
	flags, err := e.stores.Flags.ListOpen(ctx, apartmentID)
	if err != nil {
		return nil, fmt.Errorf("billing: load review flags: %w", err)
	}
	st, err := e.stores.Bills.GetBillState(ctx, apartmentID, m)
	if err != nil {
		return nil, fmt.Errorf("billing: load bill state: %w", err)
	}
	status, err := e.stores.Statuses.GetMonthStatus(ctx, apartmentID, m)
	if err != nil {
		return nil, fmt.Errorf("billing: load month status: %w", err)
	}
	return &billInputs{snapshot: s, gate: NewFlagGate(flags), state: st, status: status}, nil
}

// reviewFlags turns the open review flags of month m into pending flags.
func reviewFlags(gate FlagGate, m generic.Month) []PendingFlag {
	var out []PendingFlag
	for _, f := range gate.InMonth(m) {
		out = append(out, PendingFlag{
			Kind:       FlagReview,
			MeterType:  f.MeterType,
			MeterIndex: f.MeterIndex,
			FlagID:     f.ID,
			Comment:    f.Comment,
			OpenedAt:   f.CreatedAt,
		})
	}
	return out
}

func (e *Engine) bill(in *billInputs, m generic.Month, opts ...meters.Option) Bill {
	s := in.snapshot
	ma := e.monthAccrual(s, m, opts...)
	a := ma.Accrual
	b := Bill{
		ApartmentID: s.profile.ApartmentID,
		Month:       m,
		State:       in.state,
		PolicyDue:   ComputeDue(s.profile, m, a.Total),
		T3:          meters.CheckT3(ma.Row),
	}

	var extra []PendingFlag
	if in.status.ElectricExtraPending {
		extra = append(extra, PendingFlag{Kind: FlagDuplicatePhotos, MeterType: "electric"})
	}
	review := reviewFlags(in.gate, m)
	if !a.Complete {
		b.Verdict = MissingPhotos{Missing: a.Missing, Flags: append(extra, review...)}
		return b
	}
	if !ma.Row.HasPrevious(a.Expected) {
		b.Verdict = NoPreviousMonth{Flags: append(extra, review...)}
		return b
	}

	b.Components = a.Components()
	total, _ := a.Total.Get()
	items := meters.Drift(b.Components, meters.PriorComponents(s.row(m.Prev()), ma.Rates), e.threshold)

	flags := extra
	for _, ch := range a.Unpriced {
		flags = append(flags, PendingFlag{Kind: FlagNoTariff, MeterType: ch.MeterType(), MeterIndex: ch.MeterIndex()})
	}
	if b.T3.Mismatch {
		flags = append(flags, PendingFlag{Kind: FlagT3Mismatch, MeterType: "electric", MeterIndex: 3})
	}
	flags = append(flags, review...)

	if len(items) > 0 || len(flags) > 0 {
		b.Verdict = PendingAdmin{Total: total, Items: items, Flags: flags}
		return b
	}
	b.Verdict = AutoApprovable{Total: total}
	return b
}

// =============================================================================
// HISTORY AND MONTH VIEW
// =============================================================================

// HistoryRow is one observed month with its accrual, due and carry.
type HistoryRow struct {
	Row     meters.MonthRow
	Rates   tariff.RateSet
	Accrual meters.Accrual
	Due     generic.Optional[generic.Money]
	Carry   generic.Money
}

// History returns every observed month in ascending order.
func (e *Engine) History(ctx context.Context, apartmentID string) ([]HistoryRow, error) {
	defer metrics.ObserveCompute("history", time.Now())
	s, err := e.load(ctx, apartmentID)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryRow, 0, len(s.rows))
	entries := make([]generic.CarryEntry, 0, len(s.rows))
	for _, row := range s.rows {
		rs := e.rates(s, row.Month)
		a := meters.Compute(row, rs, s.profile.Expected())
		due := ComputeDue(s.profile, row.Month, a.Total)
		out = append(out, HistoryRow{Row: row, Rates: rs, Accrual: a, Due: due})
		entries = append(entries, generic.CarryEntry{Month: row.Month, Due: due, Actual: a.Total})
	}
	for i, p := range generic.NewCarryLedger(entries).Points() {
		out[i].Carry = p.Carry
	}
	return out, nil
}

// MonthView is everything the month screen shows.
type MonthView struct {
	Profile Profile
	MonthAccrual
	Due  DueResult
	Rent Rent
}

// Month reads one month's row, due and rent from a single snapshot.
func (e *Engine) Month(ctx context.Context, apartmentID string, m generic.Month) (MonthView, error) {
	defer metrics.ObserveCompute("month", time.Now())
	s, err := e.load(ctx, apartmentID)
	if err != nil {
		return MonthView{}, err
	}
	rent, err := e.rent(ctx, s, m)
	if err != nil {
		return MonthView{}, err
	}
	return MonthView{
		Profile:      s.profile,
		MonthAccrual: e.monthAccrual(s, m),
		Due:          e.due(s, m),
		Rent:         rent,
	}, nil
}
