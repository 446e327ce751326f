/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Apartment, tariff and reading forms through the router
- Bill computation, approval and same-total dedupe
- Review flags blocking and unblocking a bill
- Error mapping (400 / 404 / 409)
- Rent status, reminders, health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type recordingNotifier struct {
	sent []billing.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg billing.Notification) error {
	n.sent = append(n.sent, msg)
	return nil
}

type testServer struct {
	router   http.Handler
	notifier *recordingNotifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	stores := billing.StoresFrom(store)
	engine := billing.NewEngine(stores, billing.WithClock(func() time.Time { return now }))
	notifier := &recordingNotifier{}
	service := billing.NewBillService(engine, stores, notifier, nil)

	h := NewHandler(store, engine, service, nil)
	return &testServer{router: NewRouter(h, RouterOptions{}), notifier: notifier}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seed creates apt-1 with the standard catalog and January/February
// readings. February's bill is 1387.50.
func (s *testServer) seed(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPut, "/api/apartments/apt-1", map[string]any{
		"title":             "Flat 12",
		"electric_expected": 3,
		"tenant_since":      "05.12.2025",
		"rent_monthly":      "30000",
		"has_active_chat":   true,
		"chat_id":           "chat-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/tariffs", map[string]any{
		"month_from":  "2025-01",
		"cold":        "3,50",
		"hot":         200,
		"sewer":       40,
		"electric":    6,
		"electric_t2": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, form := range []map[string]any{
		{"ym": "2026-01", "source": "ocr", "cold": 100, "hot": 50, "electric_1": 1000, "electric_2": 500, "electric_3": 1500},
		{"ym": "2026-02", "source": "ocr", "cold": 105, "hot": 52, "electric_1": 1100, "electric_2": 530, "electric_3": 1630},
	} {
		rec = s.do(t, http.MethodPost, "/api/apartments/apt-1/readings", form)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

// =============================================================================
// BILL WORKFLOW
// =============================================================================

func TestBill_ApproveAndSendOnce(t *testing.T) {
	// GIVEN: a complete February after a complete January
	s := newTestServer(t)
	s.seed(t)

	// WHEN: the bill is computed
	rec := s.do(t, http.MethodGet, "/api/apartments/apt-1/bill?ym=2026-02", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bill := decodeBody(t, rec)

	// THEN: it is auto-approvable with the metered total
	assert.Equal(t, "ok", bill["reason"])
	assert.Equal(t, "computed", bill["status"])
	assert.Equal(t, 1387.5, bill["total_rub"])
	assert.Equal(t, true, bill["sendable"])

	// WHEN: approved and sent twice
	rec = s.do(t, http.MethodPost, "/api/apartments/apt-1/bill/approve", map[string]any{"ym": "2026-02", "send": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody(t, rec)
	rec = s.do(t, http.MethodPost, "/api/apartments/apt-1/bill/approve", map[string]any{"ym": "2026-02", "send": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeBody(t, rec)

	// THEN: only the first delivers
	assert.Equal(t, true, first["sent"])
	assert.Equal(t, false, second["sent"])
	assert.Equal(t, billing.SkipSameTotal, second["skipped"])
	if len(s.notifier.sent) != 1 {
		t.Errorf("expected 1 notification, got %d", len(s.notifier.sent))
	}
	assert.Equal(t, "sent", second["bill"].(map[string]any)["status"])

	// AND: the audit log shows both actions
	rec = s.do(t, http.MethodGet, "/api/apartments/apt-1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.Len(t, audit, 2)
}

func TestBill_FirstMonthHasNoPrevious(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	rec := s.do(t, http.MethodGet, "/api/apartments/apt-1/bill?ym=2026-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bill := decodeBody(t, rec)
	assert.Equal(t, "no_prev_month", bill["reason"])
	assert.Nil(t, bill["total_rub"])
}

func TestBill_ReviewFlagBlocksUntilResolved(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	// GIVEN: an open flag on February's electric tier 2
	rec := s.do(t, http.MethodPost, "/api/apartments/apt-1/review-flags", map[string]any{
		"ym": "2026-02", "meter_type": "electric", "meter_index": 2, "reason": "blurred photo",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	flagID := decodeBody(t, rec)["id"].(string)

	// THEN: the bill waits for an operator
	bill := decodeBody(t, s.do(t, http.MethodGet, "/api/apartments/apt-1/bill?ym=2026-02", nil))
	assert.Equal(t, "pending_admin", bill["reason"])
	flags := bill["pending_flags"].([]any)
	require.Len(t, flags, 1)
	assert.Equal(t, "review_flag", flags[0].(map[string]any)["kind"])

	// WHEN: the flag is resolved
	rec = s.do(t, http.MethodPost, "/api/review-flags/"+flagID+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "resolved", decodeBody(t, rec)["status"])

	// THEN: the bill is ok again
	bill = decodeBody(t, s.do(t, http.MethodGet, "/api/apartments/apt-1/bill?ym=2026-02", nil))
	assert.Equal(t, "ok", bill["reason"])

	rec = s.do(t, http.MethodGet, "/api/apartments/apt-1/review-flags?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

// =============================================================================
// FORMS
// =============================================================================

func TestPutApartment_ReportsSkippedFields(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	rec := s.do(t, http.MethodPut, "/api/apartments/apt-1", map[string]any{
		"rent_monthly":      "thirty thousand",
		"electric_expected": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)

	skipped := resp["skipped"].([]any)
	require.Len(t, skipped, 1)
	assert.Equal(t, "rent_monthly", skipped[0].(map[string]any)["field"])

	data := resp["data"].(map[string]any)
	assert.Equal(t, 30000.0, data["rent_monthly"], "unparseable rent keeps the stored value")
	assert.Equal(t, 2.0, data["electric_expected"])
}

func TestResolveTariff_WithOverride(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	rec := s.do(t, http.MethodPost, "/api/apartments/apt-1/tariffs", map[string]any{
		"month_from": "2026-03", "cold": "4", "rent": 32000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rates := decodeBody(t, s.do(t, http.MethodGet, "/api/tariffs/resolve?apartment=apt-1&ym=2026-03", nil))
	assert.Equal(t, 4.0, rates["cold"])
	assert.Equal(t, 200.0, rates["hot"], "hot is inherited from the catalog")
	assert.Equal(t, 32000.0, rates["rent"])

	rates = decodeBody(t, s.do(t, http.MethodGet, "/api/tariffs/resolve?apartment=apt-1&ym=2026-02", nil))
	assert.Equal(t, 3.5, rates["cold"])
	assert.Nil(t, rates["rent"])
}

func TestHistoryAndMonth(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	rec := s.do(t, http.MethodGet, "/api/apartments/apt-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "2026-02", rows[1]["ym"])
	assert.Equal(t, 1387.5, rows[1]["actual_accrual"])

	month := decodeBody(t, s.do(t, http.MethodGet, "/api/apartments/apt-1/months/2026-03", nil))
	rent := month["rent"].(map[string]any)
	assert.Equal(t, 30000.0, rent["amount"])
	assert.Equal(t, 5.0, rent["due_day"])
	assert.Equal(t, true, rent["overdue"])

	// WHEN: March rent is marked paid
	rec = s.do(t, http.MethodPatch, "/api/apartments/apt-1/months/2026-03/status", map[string]any{"rent_paid": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeBody(t, rec)
	assert.Equal(t, true, paid["paid"])
	assert.Equal(t, false, paid["overdue"])
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown apartment", http.MethodGet, "/api/apartments/nope", nil, http.StatusNotFound},
		{"unknown apartment bill", http.MethodGet, "/api/apartments/nope/bill?ym=2026-02", nil, http.StatusNotFound},
		{"bad month", http.MethodGet, "/api/apartments/apt-1/bill?ym=2026-13", nil, http.StatusBadRequest},
		{"missing ym", http.MethodPost, "/api/apartments/apt-1/bill/approve", map[string]any{"send": true}, http.StatusBadRequest},
		{"unknown flag", http.MethodPost, "/api/review-flags/nope/resolve", nil, http.StatusNotFound},
		{"bad meter type", http.MethodPost, "/api/apartments/apt-1/review-flags", map[string]any{"ym": "2026-02", "meter_type": "gas"}, http.StatusBadRequest},
		{"tariff without electric", http.MethodPost, "/api/tariffs", map[string]any{"month_from": "2026-05", "cold": 1}, http.StatusBadRequest},
		{"send without t3 on complete month", http.MethodPost, "/api/apartments/apt-1/bill/send-without-t3-photo", map[string]any{"ym": "2026-02"}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

// =============================================================================
// REMINDERS AND OPERATIONS
// =============================================================================

func TestSendRentReminders_Once(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	rec := s.do(t, http.MethodPost, "/api/reminders/rent", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody(t, rec)
	assert.Equal(t, []any{"apt-1"}, report["sent"])

	rec = s.do(t, http.MethodPost, "/api/reminders/rent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["sent"])
	assert.Len(t, s.notifier.sent, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.do(t, http.MethodGet, "/api/tariffs", nil)
	rec = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rentengine_http_requests_total")
}
