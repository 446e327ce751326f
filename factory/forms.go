/*
Package factory converts operator forms into domain records.

PURPOSE:
  Tariffs, apartment overrides, profiles and readings are typed in by an
  operator. The factory reads those JSON forms leniently and builds the
  tariff, billing and meters values the engine works with, and converts
  them back for display.

LENIENT INPUT:
  - Numbers may be JSON numbers or strings, with "," or "." as the
    decimal separator: 3.5, "3,50", " 3.50 "
  - Months may be typed as 2026-03, 03.2026, 2026/3, 202603
  - A field that does not parse is treated as NOT SET and reported in
    FormReport.Skipped; it never fails the form by itself.
  - A form fails only when the record cannot exist without the field
    (the effective month, or an electricity rate on a global tariff).
    A failed form applies nothing.

JSON SCHEMA (global tariff):
  {
    "month_from": "2026-01",
    "cold": "42,30", "hot": 210.5, "sewer": 38,
    "electric": 6.1,                     // legacy single rate
    "electric_t1": 6.9, "electric_t2": 3.2, "electric_t3": null
  }

USAGE:
  f := factory.NewFormFactory()
  entry, report, err := f.ParseTariff(body)
  if err != nil { ... }                  // nothing is saved
  for _, skipped := range report.Skipped { log skipped.Field }

SEE ALSO:
  - generic/month.go: NormalizeMonth, NormalizeDate
  - tariff/types.go: Entry, Override
  - billing/profile.go: Profile
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/tariff"
)

// =============================================================================
// LENIENT FIELD
// =============================================================================

// Field is a form value that may arrive as a JSON number, string, bool or
// null. It keeps the raw text; parsing happens in the factory.
type Field string

func (f *Field) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Field(s)
	default:
		*f = Field(b)
	}
	return nil
}

func (f Field) IsEmpty() bool { return strings.TrimSpace(string(f)) == "" }

// FormReport lists the fields that were ignored.
type FormReport struct {
	Skipped []*generic.ParseError `json:"skipped,omitempty"`
}

func (r *FormReport) skip(field string, input Field) {
	r.Skipped = append(r.Skipped, &generic.ParseError{Field: field, Input: string(input)})
}

// money parses a lenient amount. Empty means not set and is not reported.
func (r *FormReport) money(field string, in Field) generic.Optional[generic.Money] {
	if in.IsEmpty() {
		return generic.None[generic.Money]()
	}
	m, err := generic.ParseMoney(string(in))
	if err != nil {
		r.skip(field, in)
		return generic.None[generic.Money]()
	}
	return generic.Some(m)
}

func (r *FormReport) decimal(field string, in Field) generic.Optional[decimal.Decimal] {
	return generic.MapOptional(r.money(field, in), func(m generic.Money) decimal.Decimal { return m.Value })
}

func (r *FormReport) month(field string, in Field) generic.Optional[generic.Month] {
	if in.IsEmpty() {
		return generic.None[generic.Month]()
	}
	m, ok := generic.NormalizeMonth(string(in))
	if !ok {
		r.skip(field, in)
		return generic.None[generic.Month]()
	}
	return generic.Some(m)
}

func (r *FormReport) integer(field string, in Field) generic.Optional[int] {
	if in.IsEmpty() {
		return generic.None[int]()
	}
	d, err := generic.ParseDecimal(string(in))
	if err != nil || !d.IsInteger() {
		r.skip(field, in)
		return generic.None[int]()
	}
	return generic.Some(int(d.IntPart()))
}

func (r *FormReport) boolean(field string, in Field) generic.Optional[bool] {
	if in.IsEmpty() {
		return generic.None[bool]()
	}
	switch strings.ToLower(strings.TrimSpace(string(in))) {
	case "1", "yes", "on":
		return generic.Some(true)
	case "0", "no", "off":
		return generic.Some(false)
	}
	b, err := strconv.ParseBool(strings.TrimSpace(string(in)))
	if err != nil {
		r.skip(field, in)
		return generic.None[bool]()
	}
	return generic.Some(b)
}

// =============================================================================
// FORM SCHEMAS
// =============================================================================

// TariffForm is a global tariff row.
type TariffForm struct {
	MonthFrom  Field `json:"month_from" validate:"required"`
	Cold       Field `json:"cold"`
	Hot        Field `json:"hot"`
	Sewer      Field `json:"sewer"`
	Electric   Field `json:"electric"`
	ElectricT1 Field `json:"electric_t1"`
	ElectricT2 Field `json:"electric_t2"`
	ElectricT3 Field `json:"electric_t3"`
}

// OverrideForm is an apartment tariff row. Every rate is optional.
type OverrideForm struct {
	MonthFrom  Field `json:"month_from" validate:"required"`
	Cold       Field `json:"cold"`
	Hot        Field `json:"hot"`
	Sewer      Field `json:"sewer"`
	Electric   Field `json:"electric"`
	ElectricT1 Field `json:"electric_t1"`
	ElectricT2 Field `json:"electric_t2"`
	ElectricT3 Field `json:"electric_t3"`
	Rent       Field `json:"rent"`
}

// ProfileForm is an apartment's billing settings.
type ProfileForm struct {
	Title                  string `json:"title" validate:"max=200"`
	ElectricExpected       Field  `json:"electric_expected"`
	TenantSince            Field  `json:"tenant_since"`
	RentMonthly            Field  `json:"rent_monthly"`
	HasActiveChat          Field  `json:"has_active_chat"`
	ChatID                 string `json:"chat_id" validate:"max=100"`
	UtilitiesMode          string `json:"utilities_mode" validate:"omitempty,oneof=by_actual_monthly fixed_monthly quarterly_advance"`
	UtilitiesFixedMonthly  Field  `json:"utilities_fixed_monthly"`
	UtilitiesAdvanceAmount Field  `json:"utilities_advance_amount"`
	UtilitiesAdvanceCycle  Field  `json:"utilities_advance_cycle_months"`
	UtilitiesAdvanceAnchor Field  `json:"utilities_advance_anchor_ym"`
}

// ReadingForm is one month's readings for an apartment.
type ReadingForm struct {
	Month      Field  `json:"ym" validate:"required"`
	Source     string `json:"source" validate:"omitempty,oneof=manual ocr"`
	Cold       Field  `json:"cold"`
	Hot        Field  `json:"hot"`
	Sewer      Field  `json:"sewer"`
	ElectricT1 Field  `json:"electric_1"`
	ElectricT2 Field  `json:"electric_2"`
	ElectricT3 Field  `json:"electric_3"`
}

// =============================================================================
// FORM FACTORY
// =============================================================================

// FormFactory converts forms to domain values.
type FormFactory struct{}

func NewFormFactory() *FormFactory {
	return &FormFactory{}
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed form: %v", generic.ErrParseFailure, err)
	}
	return nil
}

func requireMonth(r *FormReport, field string, in Field) (generic.Month, error) {
	m, ok := r.month(field, in).Get()
	if !ok {
		return 0, &generic.ParseError{Field: field, Input: string(in)}
	}
	return m, nil
}

// ParseTariff reads a global tariff form. It needs a month and either the
// legacy electric rate or electric_t1; when only T1 is given it doubles
// as the legacy rate.
func (f *FormFactory) ParseTariff(data []byte) (tariff.Entry, FormReport, error) {
	var form TariffForm
	if err := decode(data, &form); err != nil {
		return tariff.Entry{}, FormReport{}, err
	}
	return f.FromTariffForm(form)
}

func (f *FormFactory) FromTariffForm(form TariffForm) (tariff.Entry, FormReport, error) {
	var r FormReport
	from, err := requireMonth(&r, "month_from", form.MonthFrom)
	if err != nil {
		return tariff.Entry{}, r, err
	}

	legacy := r.money("electric", form.Electric)
	t1 := r.money("electric_t1", form.ElectricT1)
	electric, ok := legacy.Or(t1).Get()
	if !ok {
		return tariff.Entry{}, r, fmt.Errorf("%w: electric or electric_t1 is required", generic.ErrParseFailure)
	}

	return tariff.Entry{
		EffectiveFrom: from,
		Cold:          r.money("cold", form.Cold).OrElse(generic.Zero),
		Hot:           r.money("hot", form.Hot).OrElse(generic.Zero),
		Sewer:         r.money("sewer", form.Sewer).OrElse(generic.Zero),
		Electric:      electric,
		ElectricT1:    t1,
		ElectricT2:    r.money("electric_t2", form.ElectricT2),
		ElectricT3:    r.money("electric_t3", form.ElectricT3),
	}, r, nil
}

// ParseOverride reads an apartment tariff form. A legacy electric value
// fills T1 and T2 when those are not given.
func (f *FormFactory) ParseOverride(apartmentID string, data []byte) (tariff.Override, FormReport, error) {
	var form OverrideForm
	if err := decode(data, &form); err != nil {
		return tariff.Override{}, FormReport{}, err
	}
	return f.FromOverrideForm(apartmentID, form)
}

func (f *FormFactory) FromOverrideForm(apartmentID string, form OverrideForm) (tariff.Override, FormReport, error) {
	var r FormReport
	from, err := requireMonth(&r, "month_from", form.MonthFrom)
	if err != nil {
		return tariff.Override{}, r, err
	}
	legacy := r.money("electric", form.Electric)
	return tariff.Override{
		ApartmentID:   apartmentID,
		EffectiveFrom: from,
		Cold:          r.money("cold", form.Cold),
		Hot:           r.money("hot", form.Hot),
		Sewer:         r.money("sewer", form.Sewer),
		ElectricT1:    r.money("electric_t1", form.ElectricT1).Or(legacy),
		ElectricT2:    r.money("electric_t2", form.ElectricT2).Or(legacy),
		ElectricT3:    r.money("electric_t3", form.ElectricT3),
		Rent:          r.money("rent", form.Rent),
	}, r, nil
}

// FromProfileForm overlays the form on base. Fields left empty or
// unparseable keep base's value.
func (f *FormFactory) FromProfileForm(base billing.Profile, form ProfileForm) (billing.Profile, FormReport) {
	var r FormReport
	p := base

	if form.Title != "" {
		p.Title = form.Title
	}
	if n, ok := r.integer("electric_expected", form.ElectricExpected).Get(); ok {
		if n < 1 || n > 3 {
			r.skip("electric_expected", form.ElectricExpected)
		} else {
			p.ElectricExpected = n
		}
	}
	if !form.TenantSince.IsEmpty() {
		if d, ok := generic.NormalizeDate(string(form.TenantSince)); ok {
			p.TenantSince = generic.Some(d)
		} else {
			r.skip("tenant_since", form.TenantSince)
		}
	}
	if m, ok := r.money("rent_monthly", form.RentMonthly).Get(); ok {
		p.RentMonthly = m
	}
	if b, ok := r.boolean("has_active_chat", form.HasActiveChat).Get(); ok {
		p.HasActiveChat = b
	}
	if form.ChatID != "" {
		p.ChatID = form.ChatID
	}
	if mode := billing.UtilitiesMode(form.UtilitiesMode); mode.Valid() {
		p.UtilitiesMode = mode
	}
	if m, ok := r.money("utilities_fixed_monthly", form.UtilitiesFixedMonthly).Get(); ok {
		p.UtilitiesFixedMonthly = m
	}
	if m, ok := r.money("utilities_advance_amount", form.UtilitiesAdvanceAmount).Get(); ok {
		p.UtilitiesAdvanceAmount = m
	}
	if n, ok := r.integer("utilities_advance_cycle_months", form.UtilitiesAdvanceCycle).Get(); ok {
		if n < 2 {
			r.skip("utilities_advance_cycle_months", form.UtilitiesAdvanceCycle)
		} else {
			p.UtilitiesAdvanceCycle = n
		}
	}
	if m, ok := r.month("utilities_advance_anchor_ym", form.UtilitiesAdvanceAnchor).Get(); ok {
		p.UtilitiesAdvanceAnchor = generic.Some(m)
	}
	return p, r
}

// FromReadingForm returns one raw reading per channel with a value.
func (f *FormFactory) FromReadingForm(form ReadingForm) ([]meters.RawReading, FormReport, error) {
	var r FormReport
	m, err := requireMonth(&r, "ym", form.Month)
	if err != nil {
		return nil, r, err
	}
	src := meters.SourceManual
	if form.Source == string(meters.SourceOCR) {
		src = meters.SourceOCR
	}

	fields := []struct {
		ch meters.Channel
		in Field
	}{
		{meters.Cold, form.Cold},
		{meters.Hot, form.Hot},
		{meters.Sewer, form.Sewer},
		{meters.ElectricT1, form.ElectricT1},
		{meters.ElectricT2, form.ElectricT2},
		{meters.ElectricT3, form.ElectricT3},
	}
	var out []meters.RawReading
	for _, fld := range fields {
		if v, ok := r.decimal(string(fld.ch), fld.in).Get(); ok {
			out = append(out, meters.RawReading{Month: m, Channel: fld.ch, Value: v, Source: src})
		}
	}
	return out, r, nil
}

// =============================================================================
// DISPLAY
// =============================================================================

// TariffJSON is a tariff row for display. Unset rates are null.
type TariffJSON struct {
	ApartmentID string                          `json:"apartment_id,omitempty"`
	MonthFrom   generic.Month                   `json:"month_from"`
	Cold        generic.Optional[generic.Money] `json:"cold"`
	Hot         generic.Optional[generic.Money] `json:"hot"`
	Sewer       generic.Optional[generic.Money] `json:"sewer"`
	Electric    generic.Optional[generic.Money] `json:"electric"`
	ElectricT1  generic.Optional[generic.Money] `json:"electric_t1"`
	ElectricT2  generic.Optional[generic.Money] `json:"electric_t2"`
	ElectricT3  generic.Optional[generic.Money] `json:"electric_t3"`
	Rent        generic.Optional[generic.Money] `json:"rent"`
}

// EntryToJSON shows the effective tier rates of a global row.
func (f *FormFactory) EntryToJSON(e tariff.Entry) TariffJSON {
	return TariffJSON{
		MonthFrom:  e.EffectiveFrom,
		Cold:       generic.Some(e.Cold),
		Hot:        generic.Some(e.Hot),
		Sewer:      generic.Some(e.Sewer),
		Electric:   generic.Some(e.Electric),
		ElectricT1: generic.Some(e.Tier(1)),
		ElectricT2: generic.Some(e.Tier(2)),
		ElectricT3: generic.Some(e.Tier(3)),
	}
}

func (f *FormFactory) OverrideToJSON(o tariff.Override) TariffJSON {
	return TariffJSON{
		ApartmentID: o.ApartmentID,
		MonthFrom:   o.EffectiveFrom,
		Cold:        o.Cold,
		Hot:         o.Hot,
		Sewer:       o.Sewer,
		ElectricT1:  o.ElectricT1,
		ElectricT2:  o.ElectricT2,
		ElectricT3:  o.ElectricT3,
		Rent:        o.Rent,
	}
}
