// Package memory provides an in-memory implementation of every billing
// collaborator (for tests and dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/tariff"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type monthKey struct {
	ApartmentID string
	Month       generic.Month
}

type readingKey struct {
	Month   generic.Month
	Channel meters.Channel
}

type Store struct {
	mu        sync.RWMutex
	profiles  map[string]billing.Profile
	global    map[generic.Month]tariff.Entry
	overrides map[string]map[generic.Month]tariff.Override
	readings  map[string]map[readingKey]meters.RawReading
	flags     map[string]billing.ReviewFlag
	bills     map[monthKey]billing.BillState
	statuses  map[monthKey]billing.MonthStatus
	audit     []billing.AuditEntry
}

func New() *Store {
	return &Store{
		profiles:  make(map[string]billing.Profile),
		global:    make(map[generic.Month]tariff.Entry),
		overrides: make(map[string]map[generic.Month]tariff.Override),
		readings:  make(map[string]map[readingKey]meters.RawReading),
		flags:     make(map[string]billing.ReviewFlag),
		bills:     make(map[monthKey]billing.BillState),
		statuses:  make(map[monthKey]billing.MonthStatus),
	}
}

// =============================================================================
// PROFILES
// =============================================================================

func (s *Store) SaveProfile(_ context.Context, p billing.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ApartmentID] = p
	return nil
}

func (s *Store) GetProfile(_ context.Context, apartmentID string) (billing.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[apartmentID]
	if !ok {
		return billing.Profile{}, fmt.Errorf("%w: %s", generic.ErrApartmentNotFound, apartmentID)
	}
	return p, nil
}

func (s *Store) ListProfiles(_ context.Context) ([]billing.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]billing.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApartmentID < out[j].ApartmentID })
	return out, nil
}

// =============================================================================
// TARIFFS
// =============================================================================

// UpsertGlobalTariff replaces the entry with the same effective month.
func (s *Store) UpsertGlobalTariff(_ context.Context, e tariff.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[e.EffectiveFrom] = e
	return nil
}

func (s *Store) UpsertApartmentTariff(_ context.Context, o tariff.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides[o.ApartmentID] == nil {
		s.overrides[o.ApartmentID] = make(map[generic.Month]tariff.Override)
	}
	s.overrides[o.ApartmentID][o.EffectiveFrom] = o
	return nil
}

func (s *Store) ListGlobal(_ context.Context) ([]tariff.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tariff.Entry, 0, len(s.global))
	for _, e := range s.global {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom < out[j].EffectiveFrom })
	return out, nil
}

func (s *Store) ListForApartment(_ context.Context, apartmentID string) ([]tariff.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tariff.Override, 0, len(s.overrides[apartmentID]))
	for _, o := range s.overrides[apartmentID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom < out[j].EffectiveFrom })
	return out, nil
}

// =============================================================================
// READINGS
// =============================================================================

// SaveReading stores one reading; a later save of the same (month,
// channel) replaces the earlier one.
func (s *Store) SaveReading(_ context.Context, apartmentID string, r meters.RawReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readings[apartmentID] == nil {
		s.readings[apartmentID] = make(map[readingKey]meters.RawReading)
	}
	s.readings[apartmentID][readingKey{r.Month, r.Channel}] = r
	return nil
}

func (s *Store) DeleteReading(_ context.Context, apartmentID string, m generic.Month, ch meters.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readings[apartmentID], readingKey{m, ch})
	return nil
}

func (s *Store) History(_ context.Context, apartmentID string) ([]meters.MonthRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw := make([]meters.RawReading, 0, len(s.readings[apartmentID]))
	for _, r := range s.readings[apartmentID] {
		raw = append(raw, r)
	}
	return meters.BuildHistory(raw), nil
}

// =============================================================================
// REVIEW FLAGS
// =============================================================================

func (s *Store) CreateFlag(_ context.Context, f billing.ReviewFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[f.ID] = f
	return nil
}

// ListFlags filters an apartment's flags by month and status; a zero
// status matches every flag.
func (s *Store) ListFlags(_ context.Context, apartmentID string, m generic.Optional[generic.Month], status billing.FlagStatus) ([]billing.ReviewFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.ReviewFlag
	for _, f := range s.flags {
		if f.ApartmentID != apartmentID {
			continue
		}
		if month, ok := m.Get(); ok && f.Month != month {
			continue
		}
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListOpen(ctx context.Context, apartmentID string) ([]billing.ReviewFlag, error) {
	return s.ListFlags(ctx, apartmentID, generic.None[generic.Month](), billing.FlagOpen)
}

func (s *Store) Resolve(_ context.Context, flagID string, at time.Time) (billing.ReviewFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[flagID]
	if !ok {
		return billing.ReviewFlag{}, fmt.Errorf("%w: %s", generic.ErrFlagNotFound, flagID)
	}
	if f.IsOpen() {
		f.Status = billing.FlagResolved
		f.ResolvedAt = generic.Some(at)
		s.flags[flagID] = f
	}
	return f, nil
}

// =============================================================================
// BILL STATE AND MONTH STATUS
// =============================================================================

func (s *Store) GetBillState(_ context.Context, apartmentID string, m generic.Month) (billing.BillState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bills[monthKey{apartmentID, m}], nil
}

// UpdateBillState applies fn to a copy of the state and keeps the copy
// only when fn succeeds.
func (s *Store) UpdateBillState(_ context.Context, apartmentID string, m generic.Month, fn func(*billing.BillState) error) (billing.BillState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := monthKey{apartmentID, m}
	st := s.bills[k]
	if err := fn(&st); err != nil {
		return s.bills[k], err
	}
	s.bills[k] = st
	return st, nil
}

func (s *Store) GetMonthStatus(_ context.Context, apartmentID string, m generic.Month) (billing.MonthStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[monthKey{apartmentID, m}], nil
}

func (s *Store) SetRentPaid(_ context.Context, apartmentID string, m generic.Month, paid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := monthKey{apartmentID, m}
	st := s.statuses[k]
	st.RentPaid = paid
	s.statuses[k] = st
	return nil
}

func (s *Store) MarkRentReminderSent(_ context.Context, apartmentID string, m generic.Month, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := monthKey{apartmentID, m}
	st := s.statuses[k]
	st.RentReminderSentAt = generic.Some(at)
	s.statuses[k] = st
	return nil
}

func (s *Store) SetElectricExtra(_ context.Context, apartmentID string, m generic.Month, pending bool, snapshot generic.Optional[int]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := monthKey{apartmentID, m}
	st := s.statuses[k]
	st.ElectricExtraPending = pending
	st.ElectricExpectedSnapshot = snapshot
	if !pending {
		st.ElectricExpectedSnapshot = generic.None[int]()
	}
	s.statuses[k] = st
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// ListAudit returns an apartment's entries in append order.
func (s *Store) ListAudit(_ context.Context, apartmentID string) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.AuditEntry
	for _, e := range s.audit {
		if e.ApartmentID == apartmentID {
			out = append(out, e)
		}
	}
	return out, nil
}
