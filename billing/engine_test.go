package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/store/memory"
	"github.com/warp/rent-engine/tariff"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const aptID = "apt-1"

type recordingNotifier struct {
	sent []billing.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg billing.Notification) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

type fixture struct {
	store    *memory.Store
	engine   *billing.Engine
	service  *billing.BillService
	notifier *recordingNotifier
	now      time.Time
}

// newFixture seeds one apartment with three months of readings:
// January (first month), February (complete) and March (tier 3 manual).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	require.NoError(t, st.SaveProfile(ctx, billing.Profile{
		ApartmentID:      aptID,
		ElectricExpected: 3,
		TenantSince:      generic.Some(date(2025, time.December, 5)),
		RentMonthly:      rub("30000"),
		HasActiveChat:    true,
		ChatID:           "chat-1",
		UtilitiesMode:    billing.ModeByActual,
	}))
	require.NoError(t, st.UpsertGlobalTariff(ctx, tariff.Entry{
		EffectiveFrom: ym("2025-01"),
		Cold:          rub("3.50"),
		Hot:           rub("200"),
		Sewer:         rub("40"),
		Electric:      rub("6"),
		ElectricT2:    generic.Some(rub("3")),
	}))

	type rd struct {
		month string
		ch    meters.Channel
		value string
		src   meters.Source
	}
	for _, r := range []rd{
		{"2026-01", meters.Cold, "100", meters.SourceOCR},
		{"2026-01", meters.Hot, "50", meters.SourceOCR},
		{"2026-01", meters.ElectricT1, "1000", meters.SourceOCR},
		{"2026-01", meters.ElectricT2, "500", meters.SourceOCR},
		{"2026-01", meters.ElectricT3, "1500", meters.SourceOCR},
		{"2026-02", meters.Cold, "105", meters.SourceOCR},
		{"2026-02", meters.Hot, "52", meters.SourceOCR},
		{"2026-02", meters.ElectricT1, "1100", meters.SourceOCR},
		{"2026-02", meters.ElectricT2, "530", meters.SourceOCR},
		{"2026-02", meters.ElectricT3, "1630", meters.SourceOCR},
		{"2026-03", meters.Cold, "110", meters.SourceOCR},
		{"2026-03", meters.Hot, "54", meters.SourceOCR},
		{"2026-03", meters.ElectricT1, "1200", meters.SourceOCR},
		{"2026-03", meters.ElectricT2, "560", meters.SourceOCR},
		{"2026-03", meters.ElectricT3, "1760", meters.SourceManual},
	} {
		saveReading(t, st, r.month, r.ch, r.value, r.src)
	}

	f := &fixture{store: st, notifier: &recordingNotifier{}, now: date(2026, time.March, 10)}
	stores := billing.StoresFrom(st)
	f.engine = billing.NewEngine(stores, billing.WithClock(func() time.Time { return f.now }))
	f.service = billing.NewBillService(f.engine, stores, f.notifier, nil)
	return f
}

func saveReading(t *testing.T, st *memory.Store, month string, ch meters.Channel, value string, src meters.Source) {
	t.Helper()
	err := st.SaveReading(context.Background(), aptID, meters.RawReading{
		Month:   ym(month),
		Channel: ch,
		Value:   decimal.RequireFromString(value),
		Source:  src,
	})
	require.NoError(t, err)
}

func (f *fixture) bill(t *testing.T, month string) billing.Bill {
	t.Helper()
	b, err := f.engine.ComputeBill(context.Background(), aptID, ym(month))
	require.NoError(t, err)
	return b
}

// =============================================================================
// ENGINE
// =============================================================================

func TestEngine_ComputeMonthRow(t *testing.T) {
	f := newFixture(t)

	ma, err := f.engine.ComputeMonthRow(context.Background(), aptID, ym("2026-02"))

	require.NoError(t, err)
	assert.True(t, ma.Accrual.Complete)
	assert.Equal(t, "17.50", ma.Accrual.Charge(meters.Cold).OrElse(generic.Zero).String())
	assert.Equal(t, "1387.50", ma.Accrual.Total.OrElse(generic.Zero).String())
	assert.Equal(t, tariff.SourceGlobal, ma.Rates.Source)
}

func TestEngine_ComputeBillReasons(t *testing.T) {
	f := newFixture(t)

	jan := f.bill(t, "2026-01")
	assert.Equal(t, billing.ReasonNoPrevMonth, jan.Reason())
	assert.False(t, jan.Total().IsSet())

	feb := f.bill(t, "2026-02")
	assert.Equal(t, billing.ReasonOK, feb.Reason())
	assert.IsType(t, billing.AutoApprovable{}, feb.Verdict)
	assert.Equal(t, "1387.50", feb.Total().OrElse(generic.Zero).String())

	// Scenario: electric_expected = 3, tier 3 entered by hand.
	mar := f.bill(t, "2026-03")
	assert.Equal(t, billing.ReasonMissingPhotos, mar.Reason())
	assert.Equal(t, []meters.Channel{meters.ElectricT3}, mar.Missing())
}

func TestEngine_ComputeBill_DriftNeedsReview(t *testing.T) {
	f := newFixture(t)
	saveReading(t, f.store, "2026-04", meters.Cold, "115", meters.SourceOCR)
	saveReading(t, f.store, "2026-04", meters.Hot, "56", meters.SourceOCR)
	saveReading(t, f.store, "2026-04", meters.ElectricT1, "1400", meters.SourceOCR)
	saveReading(t, f.store, "2026-04", meters.ElectricT2, "590", meters.SourceOCR)
	saveReading(t, f.store, "2026-04", meters.ElectricT3, "1990", meters.SourceOCR)

	b := f.bill(t, "2026-04")

	// electric: 200*6 + 30*3 = 1290 against 690 in March
	assert.Equal(t, billing.ReasonPendingAdmin, b.Reason())
	items := b.PendingItems()
	require.Contains(t, items, meters.ArticleElectric)
	assert.Equal(t, "600.00", items[meters.ArticleElectric].Diff.String())
	assert.NotContains(t, items, meters.ArticleCold)
}

func TestEngine_ComputeBill_ReviewFlagAndT3Mismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saveReading(t, f.store, "2026-02", meters.ElectricT3, "1640", meters.SourceOCR)
	flag := billing.NewReviewFlag(aptID, ym("2026-02"), meters.Hot, "tenant_dispute", "photo unreadable", f.now)
	require.NoError(t, f.store.CreateFlag(ctx, flag))

	b := f.bill(t, "2026-02")

	assert.Equal(t, billing.ReasonPendingAdmin, b.Reason())
	kinds := map[billing.PendingFlagKind]bool{}
	for _, pf := range b.PendingFlags() {
		kinds[pf.Kind] = true
	}
	assert.True(t, kinds[billing.FlagT3Mismatch])
	assert.True(t, kinds[billing.FlagReview])

	// Resolving the flag does not touch b; the next computation drops it.
	_, err := f.service.ResolveFlag(ctx, flag.ID)
	require.NoError(t, err)
	assert.Len(t, b.PendingFlags(), 2)
	assert.Len(t, f.bill(t, "2026-02").PendingFlags(), 1)
}

func TestEngine_ComputeDueAndCarry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.store.GetProfile(ctx, aptID)
	require.NoError(t, err)
	p.UtilitiesMode = billing.ModeFixed
	p.UtilitiesFixedMonthly = rub("3000")
	require.NoError(t, f.store.SaveProfile(ctx, p))

	// GIVEN: January bills 0 (no deltas), February 1387.50, March incomplete
	due, err := f.engine.ComputeDue(ctx, aptID, ym("2026-03"))
	require.NoError(t, err)

	// THEN: carry = 3000 + (3000 - 1387.50) + 3000
	assert.Equal(t, "3000.00", due.Due.OrElse(generic.Zero).String())
	assert.False(t, due.Actual.IsSet())
	assert.Equal(t, "7612.50", due.Carry.String())

	hist, err := f.engine.History(ctx, aptID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "3000.00", hist[0].Carry.String())
	assert.Equal(t, "4612.50", hist[1].Carry.String())
	assert.Equal(t, due.Carry.String(), hist[2].Carry.String())
}

func TestEngine_ComputeRentUsesOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertApartmentTariff(ctx, tariff.Override{
		ApartmentID:   aptID,
		EffectiveFrom: ym("2026-03"),
		Rent:          generic.Some(rub("32000")),
	}))

	feb, err := f.engine.ComputeRent(ctx, aptID, ym("2026-02"))
	require.NoError(t, err)
	mar, err := f.engine.ComputeRent(ctx, aptID, ym("2026-03"))
	require.NoError(t, err)

	assert.Equal(t, "30000.00", feb.Amount.String())
	assert.False(t, feb.Overdue, "past months are never overdue")
	assert.Equal(t, "32000.00", mar.Amount.String())
	assert.True(t, mar.Overdue)
}

func TestEngine_UnknownApartment(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ComputeBill(context.Background(), "nope", ym("2026-02"))
	assert.ErrorIs(t, err, generic.ErrApartmentNotFound)
}

func TestEngine_NoBackfillReportsMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := billing.NewEngine(billing.StoresFrom(f.store), billing.WithResolver(tariff.NewResolver(tariff.WithFallback(tariff.NoBackfill))))

	rs, err := engine.ResolveTariff(ctx, aptID, ym("2024-06"))
	require.NoError(t, err)
	assert.ErrorIs(t, rs.Err(), generic.ErrResolutionMiss)
}

// =============================================================================
// BILL SERVICE
// =============================================================================

func TestService_ApproveSendIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Approve(ctx, aptID, ym("2026-02"), true)
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	second, err := f.service.Approve(ctx, aptID, ym("2026-02"), true)
	require.NoError(t, err)

	assert.True(t, first.Dispatch.Send)
	assert.Equal(t, billing.SkipSameTotal, second.Dispatch.Skipped)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "chat-1", f.notifier.sent[0].ChatID)

	st, err := f.store.GetBillState(ctx, aptID, ym("2026-02"))
	require.NoError(t, err)
	assert.Equal(t, date(2026, time.March, 10), st.SentAt.OrElse(time.Time{}))

	audit, err := f.store.ListAudit(ctx, aptID)
	require.NoError(t, err)
	assert.Len(t, audit, 2)
}

func TestService_FailedDeliveryLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.notifier.err = errors.New("chat unavailable")

	_, err := f.service.Approve(ctx, aptID, ym("2026-02"), true)
	require.Error(t, err)

	st, err := f.store.GetBillState(ctx, aptID, ym("2026-02"))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusComputed, st.Status())
}

func TestService_SendWithoutT3Photo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// WHEN: only the tier 3 photo is missing
	res, err := f.service.SendWithoutT3Photo(ctx, aptID, ym("2026-03"))

	// THEN: the bill goes out on the manual value
	require.NoError(t, err)
	assert.True(t, res.Dispatch.Send)
	assert.Equal(t, "1387.50", res.Dispatch.Total.String())
	assert.Equal(t, billing.StatusSent, res.Bill.State.Status())

	// AND: it is illegal when more than tier 3 is missing
	saveReading(t, f.store, "2026-04", meters.Cold, "115", meters.SourceOCR)
	_, err = f.service.SendWithoutT3Photo(ctx, aptID, ym("2026-04"))
	assert.ErrorIs(t, err, generic.ErrIllegalTransition)
	st, _ := f.store.GetBillState(ctx, aptID, ym("2026-04"))
	assert.Equal(t, billing.StatusComputed, st.Status())
}

func TestService_SendNeedsActiveChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := f.store.GetProfile(ctx, aptID)
	p.HasActiveChat = false
	require.NoError(t, f.store.SaveProfile(ctx, p))

	// WHEN: the operator approves with send but the tenant has no chat
	res, err := f.service.Approve(ctx, aptID, ym("2026-02"), true)

	// THEN: the approval is kept and the send is skipped
	require.NoError(t, err)
	assert.False(t, res.Dispatch.Send)
	assert.Equal(t, billing.SkipNoActiveChat, res.Dispatch.Skipped)
	assert.Empty(t, f.notifier.sent)
	st, err := f.store.GetBillState(ctx, aptID, ym("2026-02"))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusApproved, st.Status())
	assert.False(t, st.SentTotal.IsSet())

	// AND: once the chat is back the same call delivers
	p.HasActiveChat = true
	require.NoError(t, f.store.SaveProfile(ctx, p))
	res, err = f.service.Approve(ctx, aptID, ym("2026-02"), true)
	require.NoError(t, err)
	assert.True(t, res.Dispatch.Send)
	require.Len(t, f.notifier.sent, 1)

	// AND: the explicit tier 3 override still refuses without a chat
	p.HasActiveChat = false
	require.NoError(t, f.store.SaveProfile(ctx, p))
	_, err = f.service.SendWithoutT3Photo(ctx, aptID, ym("2026-03"))
	assert.ErrorIs(t, err, generic.ErrNoActiveChat)
}

func TestService_ReviewFlagAfterApprovalReopensBill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: February approved without sending
	_, err := f.service.Approve(ctx, aptID, ym("2026-02"), false)
	require.NoError(t, err)

	// WHEN: a reviewer opens a flag afterwards
	f.now = f.now.Add(time.Minute)
	flag := billing.NewReviewFlag(aptID, ym("2026-02"), meters.Cold, "tenant_dispute", "", f.now)
	require.NoError(t, f.store.CreateFlag(ctx, flag))

	// THEN: the earlier approval does not cover it
	b := f.bill(t, "2026-02")
	assert.Equal(t, billing.ReasonPendingAdmin, b.Reason())
	assert.False(t, b.Sendable())

	// AND: approving again after the flag covers it
	f.now = f.now.Add(time.Minute)
	res, err := f.service.Approve(ctx, aptID, ym("2026-02"), true)
	require.NoError(t, err)
	assert.True(t, res.Dispatch.Send)
	assert.Equal(t, billing.ReasonOK, f.bill(t, "2026-02").Reason())
}

func TestEngine_ComputeBill_FlagsListedOnFirstMonth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flag := billing.NewReviewFlag(aptID, ym("2026-01"), meters.Hot, "tenant_dispute", "", f.now)
	require.NoError(t, f.store.CreateFlag(ctx, flag))

	jan := f.bill(t, "2026-01")
	mar := f.bill(t, "2026-03")

	assert.Equal(t, billing.ReasonNoPrevMonth, jan.Reason())
	require.Len(t, jan.PendingFlags(), 1)
	assert.Equal(t, billing.FlagReview, jan.PendingFlags()[0].Kind)
	assert.Equal(t, "hot", jan.PendingFlags()[0].MeterType)
	assert.Empty(t, mar.PendingFlags())
}

// =============================================================================
// EXTRA ELECTRIC READING
// =============================================================================

// submitExtra drops electric_expected to 2 and submits an April with all
// three tiers.
func submitExtra(t *testing.T, f *fixture) []generic.Month {
	t.Helper()
	ctx := context.Background()
	p, err := f.store.GetProfile(ctx, aptID)
	require.NoError(t, err)
	p.ElectricExpected = 2
	require.NoError(t, f.store.SaveProfile(ctx, p))

	var readings []meters.RawReading
	for ch, v := range map[meters.Channel]string{
		meters.Cold: "115", meters.Hot: "56",
		meters.ElectricT1: "1300", meters.ElectricT2: "590", meters.ElectricT3: "1890",
	} {
		readings = append(readings, meters.RawReading{
			Month: ym("2026-04"), Channel: ch, Value: decimal.RequireFromString(v), Source: meters.SourceOCR,
		})
	}
	flagged, err := f.service.SubmitReadings(ctx, aptID, readings)
	require.NoError(t, err)
	return flagged
}

func TestService_SubmitReadingsFlagsExtraTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// WHEN: a third tier arrives while two are expected
	flagged := submitExtra(t, f)

	// THEN: April is marked and its bill waits on the operator
	assert.Equal(t, []generic.Month{ym("2026-04")}, flagged)
	b := f.bill(t, "2026-04")
	assert.Equal(t, billing.ReasonPendingAdmin, b.Reason())
	require.Len(t, b.PendingFlags(), 1)
	assert.Equal(t, billing.FlagDuplicatePhotos, b.PendingFlags()[0].Kind)

	// AND: an approval cannot release it
	res, err := f.service.Approve(ctx, aptID, ym("2026-04"), true)
	require.NoError(t, err)
	assert.Equal(t, billing.SkipNeedsReview, res.Dispatch.Skipped)
	assert.Empty(t, f.notifier.sent)

	// AND: submitting the same month again does not mark it twice
	assert.Empty(t, submitExtra(t, f))
}

func TestService_AcceptElectricExtra(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submitExtra(t, f)

	res, err := f.service.AcceptElectricExtra(ctx, aptID, ym("2026-04"))

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 3, res.ElectricExpected)
	p, _ := f.store.GetProfile(ctx, aptID)
	assert.Equal(t, 3, p.Expected())
	assert.Equal(t, billing.ReasonOK, f.bill(t, "2026-04").Reason())

	// Nothing is pending any more.
	again, err := f.service.AcceptElectricExtra(ctx, aptID, ym("2026-04"))
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, 3, again.ElectricExpected)
}

func TestService_RejectElectricExtra(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submitExtra(t, f)

	res, err := f.service.RejectElectricExtra(ctx, aptID, ym("2026-04"))

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"electric_3"}, res.Removed)
	assert.Equal(t, 2, res.ElectricExpected)

	ma, err := f.engine.ComputeMonthRow(ctx, aptID, ym("2026-04"))
	require.NoError(t, err)
	assert.False(t, ma.Row.Get(meters.ElectricT3).Current.IsSet())
	assert.Equal(t, billing.ReasonOK, f.bill(t, "2026-04").Reason())

	audit, err := f.store.ListAudit(ctx, aptID)
	require.NoError(t, err)
	var actions []billing.AuditAction
	for _, e := range audit {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, billing.AuditExtraFlagged)
	assert.Contains(t, actions, billing.AuditExtraRejected)
}

func TestService_ExtraElectricUnknownApartment(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SubmitReadings(context.Background(), "nope", nil)

	assert.ErrorIs(t, err, generic.ErrApartmentNotFound)
}

func TestService_RentReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.service.SendRentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{aptID}, report.Sent)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, billing.NotifyRentReminder, f.notifier.sent[0].Kind)

	// A second run the same month skips the apartment.
	report, err = f.service.SendRentReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Sent)
	assert.Len(t, f.notifier.sent, 1)
}

func TestService_RentRemindersSkipPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.SetRentPaid(ctx, aptID, ym("2026-03"), true))

	report, err := f.service.SendRentReminders(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Sent)
}
