package billing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
)

var (
	t0 = date(2026, time.March, 10)
	t1 = t0.Add(time.Hour)
)

func components(total string) meters.Components {
	return meters.Components{
		Cold:     generic.Some(rub("17.5")),
		Hot:      generic.Some(rub("400")),
		Sewer:    generic.Some(rub("280")),
		Electric: generic.Some(rub("690")),
		Total:    generic.Some(rub(total)),
	}
}

func autoBill(total string) billing.Bill {
	return billing.Bill{
		Month:      ym("2026-02"),
		Verdict:    billing.AutoApprovable{Total: rub(total)},
		Components: components(total),
	}
}

func TestApprove_SendTwiceSendsOnce(t *testing.T) {
	// GIVEN: an auto-approvable bill
	b := autoBill("1387.5")

	// WHEN: approve(send) runs twice
	st, d1, err := billing.Approve(b, billing.BillState{}, true, t0)
	require.NoError(t, err)
	b.State = st
	st2, d2, err := billing.Approve(b, st, true, t1)
	require.NoError(t, err)

	// THEN: one delivery, one sent_at
	assert.True(t, d1.Send)
	assert.False(t, d2.Send)
	assert.Equal(t, billing.SkipSameTotal, d2.Skipped)
	assert.Equal(t, t0, st2.SentAt.OrElse(time.Time{}))
	assert.Equal(t, t0, st2.ApprovedAt.OrElse(time.Time{}))
	assert.Equal(t, billing.StatusSent, st2.Status())
}

func TestApprove_ChangedTotalIsSentAgain(t *testing.T) {
	st, _, err := billing.Approve(autoBill("1387.5"), billing.BillState{}, true, t0)
	require.NoError(t, err)

	_, d, err := billing.Approve(autoBill("1400"), st, true, t1)
	require.NoError(t, err)

	assert.True(t, d.Send)
	assert.True(t, d.Total.Equal(rub("1400")))
}

func TestApprove_WithoutSendOnlyApproves(t *testing.T) {
	st, d, err := billing.Approve(autoBill("100"), billing.BillState{}, false, t0)
	require.NoError(t, err)

	assert.False(t, d.Send)
	assert.Equal(t, billing.StatusApproved, st.Status())
	assert.False(t, st.SentAt.IsSet())
}

func TestApprove_MissingPhotosApprovesWithoutSending(t *testing.T) {
	b := billing.Bill{Verdict: billing.MissingPhotos{Missing: []meters.Channel{meters.Hot}}}

	st, d, err := billing.Approve(b, billing.BillState{}, true, t0)

	require.NoError(t, err)
	assert.Equal(t, billing.SkipNoTotal, d.Skipped)
	assert.Equal(t, billing.StatusApproved, st.Status())
}

func TestBill_ApprovalLapsesWhenLinesMove(t *testing.T) {
	// GIVEN: a bill held for review because electricity jumped
	b := billing.Bill{
		Verdict: billing.PendingAdmin{
			Total: rub("1387.5"),
			Items: map[meters.Article]meters.PendingItem{
				meters.ArticleElectric: {Current: rub("690"), Previous: rub("75"), Diff: rub("615")},
			},
		},
		Components: components("1387.5"),
	}
	assert.Equal(t, billing.ReasonPendingAdmin, b.Reason())

	// WHEN: the operator approves it
	st, _, err := billing.Approve(b, billing.BillState{}, false, t0)
	require.NoError(t, err)
	b.State = st

	// THEN: it reads ok while the lines are unchanged
	assert.Equal(t, billing.ReasonOK, b.Reason())
	assert.True(t, b.Sendable())

	// WHEN: a reading is corrected and the lines move
	b.Components = components("1400")

	// THEN: the approval no longer covers the bill
	assert.Equal(t, billing.ReasonPendingAdmin, b.Reason())
}

func TestBill_ApprovedFlagsOnlyStayOK(t *testing.T) {
	b := billing.Bill{
		Verdict:    billing.PendingAdmin{Total: rub("10"), Flags: []billing.PendingFlag{{Kind: billing.FlagT3Mismatch}}},
		Components: components("10"),
		State:      billing.BillState{ApprovedAt: generic.Some(t0)},
	}
	assert.Equal(t, billing.ReasonOK, b.Reason())
}

func TestBill_ReviewFlagAfterApprovalVoidsIt(t *testing.T) {
	flagged := func(opened time.Time) billing.Bill {
		return billing.Bill{
			Verdict: billing.PendingAdmin{Total: rub("10"), Flags: []billing.PendingFlag{
				{Kind: billing.FlagReview, MeterType: "cold", OpenedAt: opened},
			}},
			Components: components("10"),
			State:      billing.BillState{ApprovedAt: generic.Some(t0)},
		}
	}

	// Flags the approval already saw stay covered.
	assert.Equal(t, billing.ReasonOK, flagged(t0).Reason())
	assert.Equal(t, billing.ReasonOK, flagged(t0.Add(-time.Hour)).Reason())

	// A flag opened after it is not.
	late := flagged(t1)
	assert.Equal(t, billing.ReasonPendingAdmin, late.Reason())
	assert.False(t, late.Sendable())

	// Approving again takes the new flag in.
	st, d, err := billing.Approve(late, late.State, true, t1.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Send)
	assert.Equal(t, t1.Add(time.Minute), st.ApprovedAt.OrElse(time.Time{}))
}

func TestApprove_DuplicatePhotosNeverCovered(t *testing.T) {
	// GIVEN: a bill with an undecided extra electric reading
	b := billing.Bill{
		Verdict: billing.PendingAdmin{Total: rub("10"), Flags: []billing.PendingFlag{
			{Kind: billing.FlagDuplicatePhotos, MeterType: "electric"},
		}},
		Components: components("10"),
	}

	// WHEN: the operator approves with send
	st, d, err := billing.Approve(b, billing.BillState{}, true, t0)

	// THEN: approval is recorded but the bill stays held
	require.NoError(t, err)
	assert.False(t, d.Send)
	assert.Equal(t, billing.SkipNeedsReview, d.Skipped)
	assert.Equal(t, billing.StatusApproved, st.Status())
	b.State = st
	assert.Equal(t, billing.ReasonPendingAdmin, b.Reason())
}

func TestBill_PendingFlagsOnEveryHeldVerdict(t *testing.T) {
	review := []billing.PendingFlag{{Kind: billing.FlagReview, MeterType: "hot"}}

	tests := []struct {
		name    string
		verdict billing.Verdict
	}{
		{"missing photos", billing.MissingPhotos{Missing: []meters.Channel{meters.Hot}, Flags: review}},
		{"no previous month", billing.NoPreviousMonth{Flags: review}},
		{"pending admin", billing.PendingAdmin{Flags: review}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := billing.Bill{Verdict: tt.verdict}
			assert.Equal(t, review, b.PendingFlags())
		})
	}
	assert.Empty(t, autoBill("10").PendingFlags())
}

func TestSendWithoutT3Photo_Legality(t *testing.T) {
	onlyT3 := billing.Bill{Verdict: billing.MissingPhotos{Missing: []meters.Channel{meters.ElectricT3}}}
	moreMissing := billing.Bill{Verdict: billing.MissingPhotos{Missing: []meters.Channel{meters.Hot, meters.ElectricT3}}}
	relaxed := autoBill("1387.5")

	t.Run("only tier 3 missing", func(t *testing.T) {
		st, d, err := billing.SendWithoutT3Photo(onlyT3, relaxed, billing.BillState{}, t0)
		require.NoError(t, err)
		assert.True(t, d.Send)
		assert.Equal(t, billing.StatusSent, st.Status())
		assert.False(t, st.ApprovedAt.IsSet())
	})

	t.Run("other channel missing", func(t *testing.T) {
		before := billing.BillState{ApprovedAt: generic.Some(t0)}
		st, d, err := billing.SendWithoutT3Photo(moreMissing, relaxed, before, t1)

		var ite *generic.IllegalTransitionError
		require.True(t, errors.As(err, &ite))
		assert.ErrorIs(t, err, generic.ErrIllegalTransition)
		assert.Equal(t, "missing_photos", ite.From)
		assert.False(t, d.Send)
		assert.Equal(t, before, st, "state unchanged")
	})

	t.Run("nothing missing", func(t *testing.T) {
		_, _, err := billing.SendWithoutT3Photo(relaxed, relaxed, billing.BillState{}, t0)
		assert.ErrorIs(t, err, generic.ErrIllegalTransition)
	})

	t.Run("relaxed bill needs review", func(t *testing.T) {
		pending := billing.Bill{
			Verdict: billing.PendingAdmin{Total: rub("1"), Flags: []billing.PendingFlag{{Kind: billing.FlagReview}}},
		}
		_, _, err := billing.SendWithoutT3Photo(onlyT3, pending, billing.BillState{}, t0)
		assert.ErrorIs(t, err, generic.ErrIllegalTransition)
	})
}

func TestBill_TotalRoundsToCents(t *testing.T) {
	b := autoBill("100.005")
	assert.Equal(t, "100.01", b.Total().OrElse(generic.Zero).String())
	assert.Nil(t, billing.Bill{Verdict: billing.NoPreviousMonth{}}.Total().Ptr())
}
