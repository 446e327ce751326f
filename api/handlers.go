/*
handlers.go - HTTP API handlers for the rent billing engine

PURPOSE:
  Exposes tariff resolution, month computation and the bill workflow via
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates to billing.Engine and billing.BillService.

ENDPOINTS:
  Tariffs:
    GET    /api/tariffs                          Global catalog
    POST   /api/tariffs                          Upsert a catalog row
    GET    /api/tariffs/resolve?apartment=&ym=   Resolved rates for a month

  Apartments:
    GET    /api/apartments                       List apartments
    GET    /api/apartments/{id}                  Billing policy
    PUT    /api/apartments/{id}                  Create or update policy
    GET    /api/apartments/{id}/tariffs          Apartment overrides
    POST   /api/apartments/{id}/tariffs          Upsert an override
    POST   /api/apartments/{id}/readings         Submit a month of readings
    GET    /api/apartments/{id}/history          Every month with accrual and carry
    GET    /api/apartments/{id}/months/{ym}      Month row, planned due, rent
    PATCH  /api/apartments/{id}/months/{ym}/status  Toggle rent_paid
    POST   /api/apartments/{id}/months/{ym}/electric-extra/accept
    POST   /api/apartments/{id}/months/{ym}/electric-extra/reject
    GET    /api/apartments/{id}/audit            Operator actions

  Bills:
    GET    /api/apartments/{id}/bill?ym=
    POST   /api/apartments/{id}/bill/approve
    POST   /api/apartments/{id}/bill/send-without-t3-photo

  Review flags:
    GET    /api/apartments/{id}/review-flags?ym=&status=
    POST   /api/apartments/{id}/review-flags
    POST   /api/review-flags/{flagID}/resolve

  Reminders:
    POST   /api/reminders/rent                   Run the rent reminder pass now

  Scenarios:
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Seed a demo apartment

ERROR HANDLING:
  Errors are returned as JSON {error, details} with a status mapped from
  the generic error taxonomy:
  - 400: Parse failures, invalid month, validation, no active chat
  - 404: Apartment or review flag not found
  - 409: Illegal bill transition
  - 500: Store failures

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
  - billing/engine.go: Computation
  - billing/service.go: Bill transitions
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/factory"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/tariff"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the HTTP layer needs from persistence: every billing
// collaborator plus the write side.
type Store interface {
	billing.Backend
	UpsertGlobalTariff(ctx context.Context, e tariff.Entry) error
	UpsertApartmentTariff(ctx context.Context, o tariff.Override) error
	CreateFlag(ctx context.Context, f billing.ReviewFlag) error
	ListFlags(ctx context.Context, apartmentID string, m generic.Optional[generic.Month], status billing.FlagStatus) ([]billing.ReviewFlag, error)
	ListAudit(ctx context.Context, apartmentID string) ([]billing.AuditEntry, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   Store
	Engine  *billing.Engine
	Service *billing.BillService
	Forms   *factory.FormFactory

	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a handler. A nil logger logs nothing.
func NewHandler(store Store, engine *billing.Engine, service *billing.BillService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Engine:   engine,
		Service:  service,
		Forms:    factory.NewFormFactory(),
		validate: validator.New(),
		logger:   logger,
	}
}

// =============================================================================
// TARIFF HANDLERS
// =============================================================================

// ListTariffs returns the global catalog.
func (h *Handler) ListTariffs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListGlobal(r.Context())
	if err != nil {
		h.fail(w, "Failed to list tariffs", err)
		return
	}
	dtos := make([]factory.TariffJSON, len(entries))
	for i, e := range entries {
		dtos[i] = h.Forms.EntryToJSON(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTariff upserts a global catalog row.
// POST /api/tariffs
func (h *Handler) CreateTariff(w http.ResponseWriter, r *http.Request) {
	var form factory.TariffForm
	if !h.readJSON(w, r, &form) {
		return
	}
	entry, report, err := h.Forms.FromTariffForm(form)
	if err != nil {
		h.fail(w, "Invalid tariff", err)
		return
	}
	if err := h.Store.UpsertGlobalTariff(r.Context(), entry); err != nil {
		h.fail(w, "Failed to save tariff", err)
		return
	}
	h.logger.Info("tariff saved", zap.Stringer("month_from", entry.EffectiveFrom))
	writeJSON(w, http.StatusCreated, saved(h.Forms.EntryToJSON(entry), report))
}

// ResolveTariff returns the rates that apply to an apartment in a month.
// GET /api/tariffs/resolve?apartment=&ym=
func (h *Handler) ResolveTariff(w http.ResponseWriter, r *http.Request) {
	apartmentID := r.URL.Query().Get("apartment")
	if apartmentID == "" {
		writeError(w, http.StatusBadRequest, "apartment is required", nil)
		return
	}
	m, ok := h.queryMonth(w, r)
	if !ok {
		return
	}
	rs, err := h.Engine.ResolveTariff(r.Context(), apartmentID, m)
	if err != nil {
		h.fail(w, "Failed to resolve tariff", err)
		return
	}
	writeJSON(w, http.StatusOK, toRateSetDTO(apartmentID, rs))
}

// =============================================================================
// APARTMENT HANDLERS
// =============================================================================

func (h *Handler) ListApartments(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Store.ListProfiles(r.Context())
	if err != nil {
		h.fail(w, "Failed to list apartments", err)
		return
	}
	dtos := make([]ApartmentDTO, len(profiles))
	for i, p := range profiles {
		dtos[i] = toApartmentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetApartment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get apartment", err)
		return
	}
	writeJSON(w, http.StatusOK, toApartmentDTO(p))
}

// PutApartment creates an apartment or overlays the submitted fields on
// the stored policy. Fields that fail to parse are left unchanged and
// listed in the response.
// PUT /api/apartments/{id}
func (h *Handler) PutApartment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var form factory.ProfileForm
	if !h.readJSON(w, r, &form) {
		return
	}

	base, err := h.Store.GetProfile(ctx, id)
	status := http.StatusOK
	if errors.Is(err, generic.ErrApartmentNotFound) {
		base = billing.Profile{ApartmentID: id}
		status = http.StatusCreated
	} else if err != nil {
		h.fail(w, "Failed to load apartment", err)
		return
	}

	p, report := h.Forms.FromProfileForm(base, form)
	if err := h.Store.SaveProfile(ctx, p); err != nil {
		h.fail(w, "Failed to save apartment", err)
		return
	}
	h.logger.Info("apartment saved", zap.String("apartment_id", id), zap.Int("skipped", len(report.Skipped)))
	writeJSON(w, status, saved(toApartmentDTO(p), report))
}

// ListApartmentTariffs returns an apartment's overrides.
func (h *Handler) ListApartmentTariffs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if !h.apartmentExists(ctx, w, id) {
		return
	}
	overrides, err := h.Store.ListForApartment(ctx, id)
	if err != nil {
		h.fail(w, "Failed to list apartment tariffs", err)
		return
	}
	dtos := make([]factory.TariffJSON, len(overrides))
	for i, o := range overrides {
		dtos[i] = h.Forms.OverrideToJSON(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateApartmentTariff upserts an override.
// POST /api/apartments/{id}/tariffs
func (h *Handler) CreateApartmentTariff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var form factory.OverrideForm
	if !h.readJSON(w, r, &form) {
		return
	}
	if !h.apartmentExists(ctx, w, id) {
		return
	}
	o, report, err := h.Forms.FromOverrideForm(id, form)
	if err != nil {
		h.fail(w, "Invalid apartment tariff", err)
		return
	}
	if err := h.Store.UpsertApartmentTariff(ctx, o); err != nil {
		h.fail(w, "Failed to save apartment tariff", err)
		return
	}
	writeJSON(w, http.StatusCreated, saved(h.Forms.OverrideToJSON(o), report))
}

// =============================================================================
// READINGS AND MONTHS
// =============================================================================

// SubmitReadings stores one month of readings. An electric tier above
// electric_expected holds the month's bill for the operator.
// POST /api/apartments/{id}/readings
func (h *Handler) SubmitReadings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var form factory.ReadingForm
	if !h.readJSON(w, r, &form) {
		return
	}
	if !h.apartmentExists(ctx, w, id) {
		return
	}
	readings, report, err := h.Forms.FromReadingForm(form)
	if err != nil {
		h.fail(w, "Invalid readings", err)
		return
	}
	if _, err := h.Service.SubmitReadings(ctx, id, readings); err != nil {
		h.fail(w, "Failed to save readings", err)
		return
	}

	if len(readings) == 0 {
		writeJSON(w, http.StatusCreated, saved(nil, report))
		return
	}
	acc, err := h.Engine.ComputeMonthRow(ctx, id, readings[0].Month)
	if err != nil {
		h.fail(w, "Failed to compute month", err)
		return
	}
	writeJSON(w, http.StatusCreated, saved(toMonthRowDTO(acc.Row, acc.Rates, acc.Accrual), report))
}

// GetHistory returns every observed month.
// GET /api/apartments/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to compute history", err)
		return
	}
	dtos := make([]HistoryRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = HistoryRowDTO{
			MonthRowDTO:  toMonthRowDTO(row.Row, row.Rates, row.Accrual),
			PlannedDue:   round2(row.Due),
			CarryBalance: row.Carry.Round2(),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMonth returns one month's row, planned due and rent.
// GET /api/apartments/{id}/months/{ym}
func (h *Handler) GetMonth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := h.pathMonth(w, r)
	if !ok {
		return
	}
	view, err := h.Engine.Month(r.Context(), id, m)
	if err != nil {
		h.fail(w, "Failed to compute month", err)
		return
	}
	writeJSON(w, http.StatusOK, MonthDTO{
		ApartmentID:   id,
		Row:           toMonthRowDTO(view.Row, view.Rates, view.Accrual),
		UtilitiesMode: view.Profile.Mode(),
		PlannedDue:    round2(view.Due.Due),
		CarryBalance:  view.Due.Carry.Round2(),
		Rent:          toRentDTO(view.Rent),
	})
}

// UpdateMonthStatus toggles rent_paid.
// PATCH /api/apartments/{id}/months/{ym}/status
func (h *Handler) UpdateMonthStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	m, ok := h.pathMonth(w, r)
	if !ok {
		return
	}
	var req UpdateMonthStatusRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if err := h.Service.SetRentPaid(ctx, id, m, *req.RentPaid); err != nil {
		h.fail(w, "Failed to update month status", err)
		return
	}
	rent, err := h.Engine.ComputeRent(ctx, id, m)
	if err != nil {
		h.fail(w, "Failed to compute rent", err)
		return
	}
	writeJSON(w, http.StatusOK, toRentDTO(rent))
}

// AcceptElectricExtra keeps the month's extra electric reading and raises
// electric_expected.
// POST /api/apartments/{id}/months/{ym}/electric-extra/accept
func (h *Handler) AcceptElectricExtra(w http.ResponseWriter, r *http.Request) {
	m, ok := h.pathMonth(w, r)
	if !ok {
		return
	}
	res, err := h.Service.AcceptElectricExtra(r.Context(), chi.URLParam(r, "id"), m)
	if err != nil {
		h.fail(w, "Failed to accept extra reading", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RejectElectricExtra deletes the month's electric readings above the
// expected tiers.
// POST /api/apartments/{id}/months/{ym}/electric-extra/reject
func (h *Handler) RejectElectricExtra(w http.ResponseWriter, r *http.Request) {
	m, ok := h.pathMonth(w, r)
	if !ok {
		return
	}
	res, err := h.Service.RejectElectricExtra(r.Context(), chi.URLParam(r, "id"), m)
	if err != nil {
		h.fail(w, "Failed to reject extra reading", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAudit returns an apartment's operator actions.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if !h.apartmentExists(ctx, w, id) {
		return
	}
	entries, err := h.Store.ListAudit(ctx, id)
	if err != nil {
		h.fail(w, "Failed to list audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// GetBill computes the bill for ?ym=.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	m, ok := h.queryMonth(w, r)
	if !ok {
		return
	}
	b, err := h.Engine.ComputeBill(r.Context(), chi.URLParam(r, "id"), m)
	if err != nil {
		h.fail(w, "Failed to compute bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(b))
}

// ApproveBill records approval and optionally sends the bill.
// POST /api/apartments/{id}/bill/approve
func (h *Handler) ApproveBill(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	m, err := generic.ParseMonth(req.Month)
	if err != nil {
		h.fail(w, "Invalid month", err)
		return
	}
	res, err := h.Service.Approve(r.Context(), chi.URLParam(r, "id"), m, req.Send)
	if err != nil {
		h.fail(w, "Failed to approve bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(res))
}

// SendWithoutT3Photo sends a bill whose only gap is the tier 3 photo.
// POST /api/apartments/{id}/bill/send-without-t3-photo
func (h *Handler) SendWithoutT3Photo(w http.ResponseWriter, r *http.Request) {
	var req SendWithoutT3Request
	if !h.readJSON(w, r, &req) {
		return
	}
	m, err := generic.ParseMonth(req.Month)
	if err != nil {
		h.fail(w, "Invalid month", err)
		return
	}
	res, err := h.Service.SendWithoutT3Photo(r.Context(), chi.URLParam(r, "id"), m)
	if err != nil {
		h.fail(w, "Failed to send bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(res))
}

// =============================================================================
// REVIEW FLAG HANDLERS
// =============================================================================

// ListReviewFlags filters by ?ym= and ?status=.
func (h *Handler) ListReviewFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	month := generic.None[generic.Month]()
	if raw := r.URL.Query().Get("ym"); raw != "" {
		m, err := generic.ParseMonth(raw)
		if err != nil {
			h.fail(w, "Invalid month", err)
			return
		}
		month = generic.Some(m)
	}
	status := billing.FlagStatus(r.URL.Query().Get("status"))
	switch status {
	case "", billing.FlagOpen, billing.FlagResolved:
	default:
		writeError(w, http.StatusBadRequest, "status must be open or resolved", nil)
		return
	}

	if !h.apartmentExists(ctx, w, id) {
		return
	}
	flags, err := h.Store.ListFlags(ctx, id, month, status)
	if err != nil {
		h.fail(w, "Failed to list review flags", err)
		return
	}
	dtos := make([]ReviewFlagDTO, len(flags))
	for i, f := range flags {
		dtos[i] = toReviewFlagDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateReviewFlag opens a dispute on one reading.
// POST /api/apartments/{id}/review-flags
func (h *Handler) CreateReviewFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req CreateReviewFlagRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	m, err := generic.ParseMonth(req.Month)
	if err != nil {
		h.fail(w, "Invalid month", err)
		return
	}
	index := req.MeterIndex
	if index == 0 {
		index = 1
	}
	ch, ok := meters.ChannelFor(req.MeterType, index)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown meter", fmt.Errorf("%s #%d", req.MeterType, index))
		return
	}
	if !h.apartmentExists(ctx, w, id) {
		return
	}

	f := billing.NewReviewFlag(id, m, ch, req.Reason, req.Comment, h.Engine.Now())
	if err := h.Store.CreateFlag(ctx, f); err != nil {
		h.fail(w, "Failed to create review flag", err)
		return
	}
	h.logger.Info("review flag opened",
		zap.String("apartment_id", id),
		zap.Stringer("month", m),
		zap.String("channel", string(ch)),
	)
	writeJSON(w, http.StatusCreated, toReviewFlagDTO(f))
}

// ResolveReviewFlag closes a dispute.
// POST /api/review-flags/{flagID}/resolve
func (h *Handler) ResolveReviewFlag(w http.ResponseWriter, r *http.Request) {
	f, err := h.Service.ResolveFlag(r.Context(), chi.URLParam(r, "flagID"))
	if err != nil {
		h.fail(w, "Failed to resolve review flag", err)
		return
	}
	writeJSON(w, http.StatusOK, toReviewFlagDTO(f))
}

// =============================================================================
// REMINDERS
// =============================================================================

// SendRentReminders runs the reminder pass for the current month.
// POST /api/reminders/rent
func (h *Handler) SendRentReminders(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.SendRentReminders(r.Context())
	if err != nil {
		h.fail(w, "Failed to send rent reminders", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) apartmentExists(ctx context.Context, w http.ResponseWriter, id string) bool {
	if _, err := h.Store.GetProfile(ctx, id); err != nil {
		h.fail(w, "Failed to get apartment", err)
		return false
	}
	return true
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) queryMonth(w http.ResponseWriter, r *http.Request) (generic.Month, bool) {
	m, err := generic.ParseMonth(r.URL.Query().Get("ym"))
	if err != nil {
		h.fail(w, "Invalid month", err)
		return 0, false
	}
	return m, true
}

func (h *Handler) pathMonth(w http.ResponseWriter, r *http.Request) (generic.Month, bool) {
	m, err := generic.ParseMonth(chi.URLParam(r, "ym"))
	if err != nil {
		h.fail(w, "Invalid month", err)
		return 0, false
	}
	return m, true
}

// fail maps err to a status via the error taxonomy and writes it.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsClientError(err), errors.As(err, &verr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
