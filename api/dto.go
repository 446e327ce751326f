/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Apartment:  ApartmentDTO (form input goes through factory.ProfileForm)
  Tariffs:    factory.TariffJSON, RateSetDTO, SavedTariffResponse
  Months:     MonthRowDTO, HistoryRowDTO, MonthDTO, RentDTO
  Bills:      BillDTO, TransitionDTO, ApproveRequest, SendWithoutT3Request
  Flags:      ReviewFlagDTO, CreateReviewFlagRequest
  Status:     UpdateMonthStatusRequest
  Audit:      AuditEntryDTO

ROUNDING:
  Money leaves the API rounded to two decimals. Computation keeps full
  precision; rounding happens only here.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.validate.Struct before touching the domain.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/forms.go: Operator form types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/factory"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/tariff"
)

func round2(o generic.Optional[generic.Money]) generic.Optional[generic.Money] {
	return generic.MapOptional(o, generic.Money.Round2)
}

func formatTime(o generic.Optional[time.Time]) *string {
	t, ok := o.Get()
	if !ok {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// =============================================================================
// APARTMENTS
// =============================================================================

// ApartmentDTO represents an apartment's billing policy.
type ApartmentDTO struct {
	ID                     string                          `json:"id"`
	Title                  string                          `json:"title"`
	ElectricExpected       int                             `json:"electric_expected"`
	TenantSince            *string                         `json:"tenant_since"`
	RentMonthly            generic.Money                   `json:"rent_monthly"`
	HasActiveChat          bool                            `json:"has_active_chat"`
	ChatID                 string                          `json:"chat_id,omitempty"`
	UtilitiesMode          billing.UtilitiesMode           `json:"utilities_mode"`
	UtilitiesFixedMonthly  generic.Money                   `json:"utilities_fixed_monthly"`
	UtilitiesAdvanceAmount generic.Money                   `json:"utilities_advance_amount"`
	UtilitiesAdvanceCycle  int                             `json:"utilities_advance_cycle_months"`
	UtilitiesAdvanceAnchor generic.Optional[generic.Month] `json:"utilities_advance_anchor_ym"`
}

func toApartmentDTO(p billing.Profile) ApartmentDTO {
	dto := ApartmentDTO{
		ID:                     p.ApartmentID,
		Title:                  p.Title,
		ElectricExpected:       p.Expected(),
		RentMonthly:            p.RentMonthly.Round2(),
		HasActiveChat:          p.HasActiveChat,
		ChatID:                 p.ChatID,
		UtilitiesMode:          p.Mode(),
		UtilitiesFixedMonthly:  p.UtilitiesFixedMonthly.Round2(),
		UtilitiesAdvanceAmount: p.UtilitiesAdvanceAmount.Round2(),
		UtilitiesAdvanceCycle:  p.AdvanceCycle(),
		UtilitiesAdvanceAnchor: p.UtilitiesAdvanceAnchor,
	}
	if t, ok := p.TenantSince.Get(); ok {
		s := t.Format("2006-01-02")
		dto.TenantSince = &s
	}
	return dto
}

// SavedResponse wraps a saved value with the form fields that were ignored.
type SavedResponse struct {
	Data    any                   `json:"data"`
	Skipped []*generic.ParseError `json:"skipped"`
}

func saved(data any, report factory.FormReport) SavedResponse {
	skipped := report.Skipped
	if skipped == nil {
		skipped = []*generic.ParseError{}
	}
	return SavedResponse{Data: data, Skipped: skipped}
}

// =============================================================================
// TARIFFS
// =============================================================================

// RateSetDTO is a resolved tariff for one month.
type RateSetDTO struct {
	ApartmentID   string                          `json:"apartment_id"`
	Month         generic.Month                   `json:"ym"`
	Cold          generic.Optional[generic.Money] `json:"cold"`
	Hot           generic.Optional[generic.Money] `json:"hot"`
	Sewer         generic.Optional[generic.Money] `json:"sewer"`
	ElectricT1    generic.Optional[generic.Money] `json:"electric_t1"`
	ElectricT2    generic.Optional[generic.Money] `json:"electric_t2"`
	ElectricT3    generic.Optional[generic.Money] `json:"electric_t3"`
	Rent          generic.Optional[generic.Money] `json:"rent"`
	Source        tariff.Source                   `json:"source"`
	EffectiveFrom generic.Optional[generic.Month] `json:"effective_from"`
	Backfilled    bool                            `json:"backfilled"`
}

func toRateSetDTO(apartmentID string, rs tariff.RateSet) RateSetDTO {
	return RateSetDTO{
		ApartmentID:   apartmentID,
		Month:         rs.Month,
		Cold:          rs.Cold,
		Hot:           rs.Hot,
		Sewer:         rs.Sewer,
		ElectricT1:    rs.ElectricT1,
		ElectricT2:    rs.ElectricT2,
		ElectricT3:    rs.ElectricT3,
		Rent:          rs.Rent,
		Source:        rs.Source,
		EffectiveFrom: rs.EffectiveFrom,
		Backfilled:    rs.Backfilled,
	}
}

// =============================================================================
// READINGS AND MONTHS
// =============================================================================

// ReadingDTO is one channel of a month row.
type ReadingDTO struct {
	Current  generic.Optional[decimal.Decimal] `json:"current"`
	Previous generic.Optional[decimal.Decimal] `json:"previous"`
	Delta    generic.Optional[decimal.Decimal] `json:"delta"`
	Source   meters.Source                     `json:"source,omitempty"`
	Rate     generic.Optional[generic.Money]   `json:"rate"`
	Charge   generic.Optional[generic.Money]   `json:"charge"`
}

// MonthRowDTO is a priced month row.
type MonthRowDTO struct {
	Month    generic.Month                   `json:"ym"`
	Readings map[meters.Channel]ReadingDTO   `json:"readings"`
	Total    generic.Optional[generic.Money] `json:"actual_accrual"`
	Missing  []meters.Channel                `json:"missing"`
	Unpriced []meters.Channel                `json:"unpriced"`
	Tariff   tariff.Source                   `json:"tariff_source"`
}

func rateFor(rs tariff.RateSet, ch meters.Channel) generic.Optional[generic.Money] {
	switch ch {
	case meters.Cold:
		return rs.Cold
	case meters.Hot:
		return rs.Hot
	case meters.Sewer:
		return rs.Sewer
	case meters.ElectricT1:
		return rs.ElectricT1
	case meters.ElectricT2:
		return rs.ElectricT2
	case meters.ElectricT3:
		return rs.ElectricT3
	}
	return generic.None[generic.Money]()
}

func toMonthRowDTO(row meters.MonthRow, rs tariff.RateSet, acc meters.Accrual) MonthRowDTO {
	dto := MonthRowDTO{
		Month:    row.Month,
		Readings: make(map[meters.Channel]ReadingDTO, len(meters.AllChannels)),
		Total:    round2(acc.Total),
		Missing:  nonNil(acc.Missing),
		Unpriced: nonNil(acc.Unpriced),
		Tariff:   rs.Source,
	}
	for _, ch := range meters.AllChannels {
		r := row.Get(ch)
		dto.Readings[ch] = ReadingDTO{
			Current:  r.Current,
			Previous: r.Previous,
			Delta:    r.Delta,
			Source:   r.Source,
			Rate:     rateFor(rs, ch),
			Charge:   round2(acc.Charge(ch)),
		}
	}
	return dto
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// HistoryRowDTO is one month of GET /history.
type HistoryRowDTO struct {
	MonthRowDTO
	PlannedDue   generic.Optional[generic.Money] `json:"planned_due"`
	CarryBalance generic.Money                   `json:"carry_balance"`
}

// RentDTO is the rent due for a month.
type RentDTO struct {
	Amount  generic.Money `json:"amount"`
	DueDay  *int          `json:"due_day"`
	DueDate *string       `json:"due_date"`
	Paid    bool          `json:"paid"`
	Overdue bool          `json:"overdue"`
}

func toRentDTO(r billing.Rent) RentDTO {
	dto := RentDTO{
		Amount:  r.Amount.Round2(),
		DueDay:  r.DueDay.Ptr(),
		Paid:    r.Paid,
		Overdue: r.Overdue,
	}
	if d, ok := r.DueDate.Get(); ok {
		s := d.Format("2006-01-02")
		dto.DueDate = &s
	}
	return dto
}

// MonthDTO is GET /months/{ym}.
type MonthDTO struct {
	ApartmentID   string                          `json:"apartment_id"`
	Row           MonthRowDTO                     `json:"row"`
	UtilitiesMode billing.UtilitiesMode           `json:"utilities_mode"`
	PlannedDue    generic.Optional[generic.Money] `json:"planned_due"`
	CarryBalance  generic.Money                   `json:"carry_balance"`
	Rent          RentDTO                         `json:"rent"`
}

// UpdateMonthStatusRequest toggles rent_paid.
type UpdateMonthStatusRequest struct {
	RentPaid *bool `json:"rent_paid" validate:"required"`
}

// =============================================================================
// BILLS
// =============================================================================

// BillDTO is a computed bill with its persisted state.
type BillDTO struct {
	ApartmentID  string                                `json:"apartment_id"`
	Month        generic.Month                         `json:"ym"`
	Reason       billing.Reason                        `json:"reason"`
	Verdict      string                                `json:"verdict"`
	Status       billing.Status                        `json:"status"`
	Total        generic.Optional[generic.Money]       `json:"total_rub"`
	PolicyDue    generic.Optional[generic.Money]       `json:"planned_due"`
	Components   meters.Components                     `json:"components"`
	Missing      []meters.Channel                      `json:"missing"`
	PendingItems map[meters.Article]meters.PendingItem `json:"pending_items"`
	PendingFlags []billing.PendingFlag                 `json:"pending_flags"`
	T3           meters.T3Check                        `json:"t3"`
	ApprovedAt   *string                               `json:"approved_at"`
	SentAt       *string                               `json:"sent_at"`
	SentTotal    generic.Optional[generic.Money]       `json:"sent_total"`
	Sendable     bool                                  `json:"sendable"`
}

func toBillDTO(b billing.Bill) BillDTO {
	items := make(map[meters.Article]meters.PendingItem)
	for a, it := range b.PendingItems() {
		items[a] = meters.PendingItem{
			Current:  it.Current.Round2(),
			Previous: it.Previous.Round2(),
			Diff:     it.Diff.Round2(),
		}
	}
	c := b.Components
	return BillDTO{
		ApartmentID: b.ApartmentID,
		Month:       b.Month,
		Reason:      b.Reason(),
		Verdict:     b.Verdict.Kind(),
		Status:      b.State.Status(),
		Total:       b.Total(),
		PolicyDue:   round2(b.PolicyDue),
		Components: meters.Components{
			Cold:     round2(c.Cold),
			Hot:      round2(c.Hot),
			Sewer:    round2(c.Sewer),
			Electric: round2(c.Electric),
			Total:    round2(c.Total),
		},
		Missing:      nonNil(b.Missing()),
		PendingItems: items,
		PendingFlags: nonNil(b.PendingFlags()),
		T3:           b.T3,
		ApprovedAt:   formatTime(b.State.ApprovedAt),
		SentAt:       formatTime(b.State.SentAt),
		SentTotal:    round2(b.State.SentTotal),
		Sendable:     b.Sendable(),
	}
}

// ApproveRequest is POST /bill/approve.
type ApproveRequest struct {
	Month string `json:"ym" validate:"required"`
	Send  bool   `json:"send"`
}

// SendWithoutT3Request is POST /bill/send-without-t3-photo.
type SendWithoutT3Request struct {
	Month string `json:"ym" validate:"required"`
}

// TransitionDTO reports a bill action.
type TransitionDTO struct {
	Bill    BillDTO `json:"bill"`
	Sent    bool    `json:"sent"`
	Skipped string  `json:"skipped,omitempty"`
}

func toTransitionDTO(r billing.TransitionResult) TransitionDTO {
	return TransitionDTO{
		Bill:    toBillDTO(r.Bill),
		Sent:    r.Dispatch.Send,
		Skipped: r.Dispatch.Skipped,
	}
}

// =============================================================================
// REVIEW FLAGS
// =============================================================================

// ReviewFlagDTO represents a review flag.
type ReviewFlagDTO struct {
	ID          string             `json:"id"`
	ApartmentID string             `json:"apartment_id"`
	Month       generic.Month      `json:"ym"`
	MeterType   string             `json:"meter_type"`
	MeterIndex  int                `json:"meter_index"`
	Status      billing.FlagStatus `json:"status"`
	Reason      string             `json:"reason"`
	Comment     string             `json:"comment"`
	CreatedAt   string             `json:"created_at"`
	ResolvedAt  *string            `json:"resolved_at"`
}

func toReviewFlagDTO(f billing.ReviewFlag) ReviewFlagDTO {
	return ReviewFlagDTO{
		ID:          f.ID,
		ApartmentID: f.ApartmentID,
		Month:       f.Month,
		MeterType:   f.MeterType,
		MeterIndex:  f.MeterIndex,
		Status:      f.Status,
		Reason:      f.Reason,
		Comment:     f.Comment,
		CreatedAt:   f.CreatedAt.UTC().Format(time.RFC3339),
		ResolvedAt:  formatTime(f.ResolvedAt),
	}
}

// CreateReviewFlagRequest opens a flag on one meter reading.
type CreateReviewFlagRequest struct {
	Month      string `json:"ym" validate:"required"`
	MeterType  string `json:"meter_type" validate:"required,oneof=cold hot sewer electric"`
	MeterIndex int    `json:"meter_index" validate:"omitempty,min=1,max=3"`
	Reason     string `json:"reason" validate:"max=500"`
	Comment    string `json:"comment" validate:"max=2000"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// AuditEntryDTO is one operator action.
type AuditEntryDTO struct {
	ID        string                          `json:"id"`
	Timestamp string                          `json:"ts"`
	Month     generic.Optional[generic.Month] `json:"ym"`
	Action    billing.AuditAction             `json:"action"`
	Payload   map[string]any                  `json:"payload"`
}

func toAuditEntryDTO(e billing.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Month:     e.Month,
		Action:    e.Action,
		Payload:   e.Payload,
	}
}
