/*
store.go - Collaborator interfaces

PURPOSE:
  The billing core owns no storage. Everything it reads or writes goes
  through the narrow interfaces below; store/sqlite and store/memory
  implement all of them.

READ SIDE:
  MeterHistoryProvider   raw readings -> chronological month rows
  ReadingStore           raw readings written and removed by operators
  TariffStore            global catalog and per-apartment overrides
  ReviewFlagStore        disputed readings
  ApartmentProfileStore  billing policy per apartment
  MonthStatusStore       rent paid / reminder bookkeeping

WRITE SIDE:
  BillStateStore.UpdateBillState is a read-modify-write under one
  transaction. fn sees the current state and mutates it; when fn returns
  an error nothing is written. Delivery runs inside fn so a failed send
  leaves the bill unsent.

SEE ALSO:
  - store/sqlite/sqlite.go
  - store/memory/memory.go
*/
package billing

import (
	"context"
	"time"

	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/tariff"
)

// MeterHistoryProvider returns an apartment's month rows in ascending
// month order, with previous and delta already derived.
type MeterHistoryProvider interface {
	History(ctx context.Context, apartmentID string) ([]meters.MonthRow, error)
}

type TariffStore interface {
	ListGlobal(ctx context.Context) ([]tariff.Entry, error)
	ListForApartment(ctx context.Context, apartmentID string) ([]tariff.Override, error)
}

type ReviewFlagStore interface {
	ListOpen(ctx context.Context, apartmentID string) ([]ReviewFlag, error)
	// Resolve marks the flag resolved. Resolving a resolved flag is a no-op.
	Resolve(ctx context.Context, flagID string, at time.Time) (ReviewFlag, error)
}

// ReadingStore writes raw readings. A save replaces the reading of the
// same (month, channel); deleting an absent reading is not an error.
type ReadingStore interface {
	SaveReading(ctx context.Context, apartmentID string, r meters.RawReading) error
	DeleteReading(ctx context.Context, apartmentID string, m generic.Month, ch meters.Channel) error
}

// ApartmentProfileStore returns generic.ErrApartmentNotFound for unknown ids.
type ApartmentProfileStore interface {
	GetProfile(ctx context.Context, apartmentID string) (Profile, error)
	ListProfiles(ctx context.Context) ([]Profile, error)
	SaveProfile(ctx context.Context, p Profile) error
}

type BillStateStore interface {
	GetBillState(ctx context.Context, apartmentID string, m generic.Month) (BillState, error)
	UpdateBillState(ctx context.Context, apartmentID string, m generic.Month, fn func(*BillState) error) (BillState, error)
}

// MonthStatus is the rent bookkeeping of one apartment month, plus the
// extra electric reading waiting on the operator.
type MonthStatus struct {
	RentPaid           bool
	RentReminderSentAt generic.Optional[time.Time]

	// ElectricExtraPending is set when the month received an electric
	// tier above the apartment's electric_expected. ElectricExpectedSnapshot
	// is electric_expected at that moment.
	ElectricExtraPending     bool
	ElectricExpectedSnapshot generic.Optional[int]
}

type MonthStatusStore interface {
	GetMonthStatus(ctx context.Context, apartmentID string, m generic.Month) (MonthStatus, error)
	SetRentPaid(ctx context.Context, apartmentID string, m generic.Month, paid bool) error
	MarkRentReminderSent(ctx context.Context, apartmentID string, m generic.Month, at time.Time) error
	// SetElectricExtra records or clears the pending extra reading. Clearing
	// drops the snapshot.
	SetElectricExtra(ctx context.Context, apartmentID string, m generic.Month, pending bool, snapshot generic.Optional[int]) error
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditAction names an operator action on a bill or flag.
type AuditAction string

const (
	AuditBillApproved    AuditAction = "bill_approved"
	AuditBillSent        AuditAction = "bill_sent"
	AuditBillSentNoT3    AuditAction = "bill_sent_without_t3_photo"
	AuditFlagResolved    AuditAction = "review_flag_resolved"
	AuditReminderSent    AuditAction = "rent_reminder_sent"
	AuditRentPaidChanged AuditAction = "rent_paid_changed"
	AuditExtraFlagged    AuditAction = "electric_extra_flagged"
	AuditExtraAccepted   AuditAction = "electric_extra_accepted"
	AuditExtraRejected   AuditAction = "electric_extra_rejected"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID          string
	Timestamp   time.Time
	ApartmentID string
	Month       generic.Optional[generic.Month]
	Action      AuditAction
	Payload     map[string]any
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Stores bundles every collaborator the engine and services need.
// store/sqlite.Store and store/memory.Store satisfy all of them.
type Stores struct {
	History  MeterHistoryProvider
	Readings ReadingStore
	Tariffs  TariffStore
	Flags    ReviewFlagStore
	Profiles ApartmentProfileStore
	Bills    BillStateStore
	Statuses MonthStatusStore
	Audit    AuditLog
}

// Backend is implemented by a store that serves every collaborator.
type Backend interface {
	MeterHistoryProvider
	ReadingStore
	TariffStore
	ReviewFlagStore
	ApartmentProfileStore
	BillStateStore
	MonthStatusStore
	AuditLog
}

// StoresFrom uses one backend for every collaborator.
func StoresFrom(b Backend) Stores {
	return Stores{
		History:  b,
		Readings: b,
		Tariffs:  b,
		Flags:    b,
		Profiles: b,
		Bills:    b,
		Statuses: b,
		Audit:    b,
	}
}
