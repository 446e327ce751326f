/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates one apartment with its own tariff
	override and three months of readings ending last month, chosen so the
	latest bill lands in a specific workflow state.

AVAILABLE SCENARIOS:

	by-actual:         Complete months, bill is auto-approvable
	quarterly-advance: Fixed advance every third month, carry balance grows
	t3-manual:         Tier 3 typed by hand, bill waits for the photo
	drift-review:      Electricity jumps, bill needs an operator
	extra-electric:    Two tiers expected, three arrive; bill waits for accept/reject

HOW SCENARIOS WORK:
 1. Seed a global catalog row if the catalog is empty
 2. Save the apartment through the profile form
 3. Save the apartment's tariff override
 4. Submit readings through the reading form and BillService

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "t3-manual"}

NOTE:

	Scenarios upsert apartments "demo-<scenario>" and never delete data.
	Loading a scenario twice leaves the same state.

SEE ALSO:
  - handlers.go: Form handling shared with the scenarios
  - factory/forms.go: Form definitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/factory"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ApartmentID string `json:"apartment_id"`
}

// LoadScenarioRequest is POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type scenario struct {
	ScenarioDTO
	profile factory.ProfileForm
	// readings returns the raw values of month i (0..2).
	readings func(i int) factory.ReadingForm
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "by-actual",
			Name:        "Pay As Metered",
			Description: "Three complete months; the latest bill is auto-approvable",
		},
		readings: steadyReadings,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "quarterly-advance",
			Name:        "Quarterly Advance",
			Description: "3000 due every third month; the carry balance tracks the difference",
		},
		profile: factory.ProfileForm{
			UtilitiesMode:          string(billing.ModeQuarterly),
			UtilitiesAdvanceAmount: "3000",
			UtilitiesAdvanceCycle:  "3",
		},
		readings: steadyReadings,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "t3-manual",
			Name:        "Tier 3 Typed By Hand",
			Description: "The latest tier 3 value has no photo; the bill can be sent without it",
		},
		readings: func(i int) factory.ReadingForm {
			form := steadyReadings(i)
			if i == 2 {
				form.Source = string(meters.SourceManual)
			}
			return form
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "drift-review",
			Name:        "Electricity Jump",
			Description: "Tier 1 use triples in the latest month; the bill needs an operator",
		},
		readings: func(i int) factory.ReadingForm {
			form := steadyReadings(i)
			if i == 2 {
				e1, e2 := 1000+100+300, 500+30*2
				form.ElectricT1 = factory.Field(fmt.Sprint(e1))
				form.ElectricT3 = factory.Field(fmt.Sprint(e1 + e2))
			}
			return form
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "extra-electric",
			Name:        "Extra Electric Reading",
			Description: "Two tiers expected but three arrive each month; the operator accepts or rejects the extra one",
		},
		profile:  factory.ProfileForm{ElectricExpected: "2"},
		readings: steadyReadings,
	},
}

func init() {
	for i := range scenarios {
		scenarios[i].ApartmentID = "demo-" + scenarios[i].ID
	}
}

// steadyReadings grows every meter by the same amount each month. At the
// scenario rates one month costs 1387.50.
func steadyReadings(i int) factory.ReadingForm {
	e1, e2 := 1000+100*i, 500+30*i
	return factory.ReadingForm{
		Source:     string(meters.SourceOCR),
		Cold:       factory.Field(fmt.Sprint(100 + 5*i)),
		Hot:        factory.Field(fmt.Sprint(50 + 2*i)),
		ElectricT1: factory.Field(fmt.Sprint(e1)),
		ElectricT2: factory.Field(fmt.Sprint(e2)),
		ElectricT3: factory.Field(fmt.Sprint(e1 + e2)),
	}
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario seeds one scenario and returns its latest bill.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("%q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	latest, err := h.loadScenario(ctx, s)
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}
	b, err := h.Engine.ComputeBill(ctx, s.ApartmentID, latest)
	if err != nil {
		h.fail(w, "Failed to compute bill", err)
		return
	}
	h.logger.Info("scenario loaded", zap.String("scenario", s.ID), zap.String("apartment_id", s.ApartmentID))
	writeJSON(w, http.StatusOK, map[string]any{
		"scenario": s.ScenarioDTO,
		"bill":     toBillDTO(b),
	})
}

// loadScenario writes the scenario and returns its latest month.
func (h *Handler) loadScenario(ctx context.Context, s scenario) (generic.Month, error) {
	first := generic.CurrentMonth(h.Engine.Now()).Add(-3)

	global, err := h.Store.ListGlobal(ctx)
	if err != nil {
		return 0, err
	}
	if len(global) == 0 {
		entry, _, err := h.Forms.FromTariffForm(factory.TariffForm{
			MonthFrom: "2000-01", Cold: "3.50", Hot: "200", Sewer: "40", Electric: "6", ElectricT2: "3",
		})
		if err != nil {
			return 0, err
		}
		if err := h.Store.UpsertGlobalTariff(ctx, entry); err != nil {
			return 0, err
		}
	}

	base, err := h.Store.GetProfile(ctx, s.ApartmentID)
	if errors.Is(err, generic.ErrApartmentNotFound) {
		base = billing.Profile{ApartmentID: s.ApartmentID}
	} else if err != nil {
		return 0, err
	}
	form := s.profile
	form.Title = s.Name
	if form.ElectricExpected.IsEmpty() {
		form.ElectricExpected = "3"
	}
	form.TenantSince = factory.Field(first.Date(5).Format("2006-01-02"))
	form.RentMonthly = "30000"
	form.HasActiveChat = "true"
	form.ChatID = "demo-chat"
	if form.UtilitiesMode == string(billing.ModeQuarterly) {
		form.UtilitiesAdvanceAnchor = factory.Field(first.String())
	}
	p, _ := h.Forms.FromProfileForm(base, form)
	if err := h.Store.SaveProfile(ctx, p); err != nil {
		return 0, err
	}

	override, _, err := h.Forms.FromOverrideForm(s.ApartmentID, factory.OverrideForm{
		MonthFrom:  factory.Field(first.String()),
		Cold:       "3.50",
		Hot:        "200",
		Sewer:      "40",
		ElectricT1: "6",
		ElectricT2: "3",
	})
	if err != nil {
		return 0, err
	}
	if err := h.Store.UpsertApartmentTariff(ctx, override); err != nil {
		return 0, err
	}

	for i := 0; i < 3; i++ {
		rf := s.readings(i)
		rf.Month = factory.Field(first.Add(i).String())
		readings, _, err := h.Forms.FromReadingForm(rf)
		if err != nil {
			return 0, err
		}
		if _, err := h.Service.SubmitReadings(ctx, s.ApartmentID, readings); err != nil {
			return 0, err
		}
	}
	return first.Add(2), nil
}
