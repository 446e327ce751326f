/*
workflow.go - Bill approval workflow

PURPOSE:
  A bill is recomputed on every read. The computation ends in a Verdict,
  and the operator's persisted actions (approve, send) live in BillState.
  The transition functions below are pure: they take a computed Bill and
  the stored state and return the next state plus what must be delivered.

VERDICTS (sealed interface, one struct per case):
  AutoApprovable  complete, nothing to review
  MissingPhotos   expected channels have no usable reading
  NoPreviousMonth complete, but there is nothing to take a delta from
  PendingAdmin    complete, but drift items or open flags need a human

  Open review flags ride along on every verdict except AutoApprovable, so
  a disputed reading stays visible while photos are still missing.

STATE MACHINE:
  computed --approve--> approved --approve(send)--> sent
  computed --approve(send)--> approved + sent
  missing_photos(only electric_3) --sendWithoutT3Photo--> sent

APPROVAL COVERAGE:
  A stored approval covers a PendingAdmin bill until the drift lines move
  or a review flag is opened after it. A duplicate_photos flag is never
  covered: only accepting or rejecting the extra electric reading clears it.

IDEMPOTENCY:
  Approving an approved bill changes nothing unless the bill lines moved.
  Sending a total equal (to the cent) to the one already sent is skipped
  and reported as same_total_already_sent.

SEE ALSO:
  - engine.go: ComputeBill builds the Bill
  - service.go: runs the transitions inside a BillStateStore update
*/
package billing

import (
	"time"

	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
)

// =============================================================================
// VERDICT - Sealed sum type
// =============================================================================

// Reason is the bill's headline status as shown to the operator.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonMissingPhotos Reason = "missing_photos"
	ReasonNoPrevMonth   Reason = "no_prev_month"
	ReasonPendingAdmin  Reason = "pending_admin"
)

// Verdict is the outcome of a bill computation. Only the types in this
// file implement it.
type Verdict interface {
	Kind() string
	verdict()
}

type AutoApprovable struct {
	Total generic.Money
}

type MissingPhotos struct {
	Missing []meters.Channel
	Flags   []PendingFlag
}

type NoPreviousMonth struct {
	Flags []PendingFlag
}

type PendingAdmin struct {
	Total generic.Money
	Items map[meters.Article]meters.PendingItem
	Flags []PendingFlag
}

func (AutoApprovable) Kind() string  { return "auto_approvable" }
func (MissingPhotos) Kind() string   { return "missing_photos" }
func (NoPreviousMonth) Kind() string { return "no_prev_month" }
func (PendingAdmin) Kind() string    { return "pending_admin" }

func (AutoApprovable) verdict()  {}
func (MissingPhotos) verdict()   {}
func (NoPreviousMonth) verdict() {}
func (PendingAdmin) verdict()    {}

// PendingFlagKind names a condition that needs operator confirmation.
type PendingFlagKind string

const (
	FlagT3Mismatch PendingFlagKind = "t3_mismatch"
	FlagReview     PendingFlagKind = "review_flag"
	FlagNoTariff   PendingFlagKind = "no_tariff"

	// FlagDuplicatePhotos marks a month that received more electric
	// readings than the apartment expects.
	FlagDuplicatePhotos PendingFlagKind = "duplicate_photos"
)

// PendingFlag is one non-numeric review condition.
type PendingFlag struct {
	Kind       PendingFlagKind `json:"kind"`
	MeterType  string          `json:"meter_type,omitempty"`
	MeterIndex int             `json:"meter_index,omitempty"`
	FlagID     string          `json:"flag_id,omitempty"`
	Comment    string          `json:"comment,omitempty"`

	// OpenedAt is when the underlying review flag was created.
	OpenedAt time.Time `json:"-"`
}

// TotalOf returns the billable total a verdict carries.
func TotalOf(v Verdict) generic.Optional[generic.Money] {
	switch v := v.(type) {
	case AutoApprovable:
		return generic.Some(v.Total)
	case PendingAdmin:
		return generic.Some(v.Total)
	}
	return generic.None[generic.Money]()
}

// =============================================================================
// BILL STATE - What the operator did, persisted per (apartment, month)
// =============================================================================

// Status is the persisted position in the workflow.
type Status string

const (
	StatusComputed Status = "computed"
	StatusApproved Status = "approved"
	StatusSent     Status = "sent"
)

// BillState is the persisted part of a bill.
type BillState struct {
	ApprovedAt generic.Optional[time.Time]
	SentAt     generic.Optional[time.Time]
	SentTotal  generic.Optional[generic.Money]

	// Approved holds the bill lines the operator saw when approving.
	Approved generic.Optional[meters.Components]
}

func (s BillState) Status() Status {
	switch {
	case s.SentAt.IsSet():
		return StatusSent
	case s.ApprovedAt.IsSet():
		return StatusApproved
	}
	return StatusComputed
}

// =============================================================================
// BILL - Verdict plus state
// =============================================================================

// Bill is one computed bill.
type Bill struct {
	ApartmentID string
	Month       generic.Month
	Verdict     Verdict
	Components  meters.Components
	State       BillState

	// PolicyDue is what the utilities mode makes due this month; it only
	// matches the metered total in by_actual_monthly mode.
	PolicyDue generic.Optional[generic.Money]
	T3        meters.T3Check
}

// Total is the metered total that would be sent, rounded to cents.
func (b Bill) Total() generic.Optional[generic.Money] {
	return generic.MapOptional(TotalOf(b.Verdict), generic.Money.Round2)
}

// Missing lists the channels blocking the bill.
func (b Bill) Missing() []meters.Channel {
	if v, ok := b.Verdict.(MissingPhotos); ok {
		return v.Missing
	}
	return nil
}

func (b Bill) PendingItems() map[meters.Article]meters.PendingItem {
	if v, ok := b.Verdict.(PendingAdmin); ok {
		return v.Items
	}
	return nil
}

// PendingFlags lists the conditions waiting on the operator. Incomplete
// bills list their open review flags too.
func (b Bill) PendingFlags() []PendingFlag {
	switch v := b.Verdict.(type) {
	case PendingAdmin:
		return v.Flags
	case MissingPhotos:
		return v.Flags
	case NoPreviousMonth:
		return v.Flags
	}
	return nil
}

// ApprovalValid reports whether a stored approval still covers this
// computation. It lapses when the drift lines differ from the ones
// approved or a review flag was opened after the approval, and it never
// covers duplicate electric readings.
func (b Bill) ApprovalValid() bool {
	approvedAt, ok := b.State.ApprovedAt.Get()
	if !ok {
		return false
	}
	for _, f := range b.PendingFlags() {
		switch {
		case f.Kind == FlagDuplicatePhotos:
			return false
		case f.Kind == FlagReview && f.OpenedAt.After(approvedAt):
			return false
		}
	}
	if len(b.PendingItems()) == 0 {
		return true
	}
	snap, ok := b.State.Approved.Get()
	return ok && snap.Equal(b.Components)
}

// Reason maps the verdict and stored approval to the headline status.
func (b Bill) Reason() Reason {
	switch b.Verdict.(type) {
	case MissingPhotos:
		return ReasonMissingPhotos
	case NoPreviousMonth:
		return ReasonNoPrevMonth
	case PendingAdmin:
		if b.ApprovalValid() {
			return ReasonOK
		}
		return ReasonPendingAdmin
	}
	return ReasonOK
}

// Sendable reports whether the bill may be delivered as computed.
func (b Bill) Sendable() bool {
	return b.Reason() == ReasonOK && b.Total().IsSet()
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Dispatch tells the caller what to deliver after a transition.
type Dispatch struct {
	Send    bool
	Total   generic.Money
	Skipped string // why a requested send did not happen
}

const (
	SkipSameTotal    = "same_total_already_sent"
	SkipNoTotal      = "no_total"
	SkipNeedsReview  = "needs_review"
	SkipNoActiveChat = "no_active_chat"
)

// Approve records the operator's approval of b on top of st. With send,
// the bill's total is also delivered unless an equal total was already
// sent, the bill has no total yet, or the approval cannot cover it.
// Every verdict may be approved.
func Approve(b Bill, st BillState, send bool, now time.Time) (BillState, Dispatch, error) {
	b.State = st
	next := st
	if !b.ApprovalValid() {
		next.ApprovedAt = generic.Some(now)
		next.Approved = generic.Some(b.Components)
	}

	var d Dispatch
	if !send {
		return next, d, nil
	}
	b.State = next
	total, ok := b.Total().Get()
	if !ok {
		d.Skipped = SkipNoTotal
		return next, d, nil
	}
	if !b.Sendable() {
		d.Skipped = SkipNeedsReview
		return next, d, nil
	}
	return markSent(next, total, now)
}

// withholdSend turns a send decided by a transition into a skip, keeping
// everything else the transition recorded. prev is the state the
// transition started from.
func withholdSend(prev, next BillState, d Dispatch, reason string) (BillState, Dispatch) {
	if !d.Send {
		return next, d
	}
	next.SentAt, next.SentTotal = prev.SentAt, prev.SentTotal
	return next, Dispatch{Total: d.Total, Skipped: reason}
}

// SendWithoutT3Photo delivers a bill whose only blocker is the tier 3
// photo. strict is the normal computation; relaxed is the same month
// recomputed with a manual tier 3 value accepted and must be sendable.
// The approval is left untouched.
func SendWithoutT3Photo(strict, relaxed Bill, st BillState, now time.Time) (BillState, Dispatch, error) {
	const action = "send_without_t3_photo"

	missing := strict.Missing()
	if len(missing) != 1 || missing[0] != meters.ElectricT3 {
		return st, Dispatch{}, &generic.IllegalTransitionError{
			Action: action,
			From:   string(strict.Reason()),
			Reason: "only the tier 3 photo may be missing",
		}
	}
	if !relaxed.Sendable() {
		return st, Dispatch{}, &generic.IllegalTransitionError{
			Action: action,
			From:   string(relaxed.Reason()),
			Reason: "bill is not sendable with the manual tier 3 value",
		}
	}
	total, _ := relaxed.Total().Get()
	return markSent(st, total, now)
}

func markSent(st BillState, total generic.Money, now time.Time) (BillState, Dispatch, error) {
	if sent, ok := st.SentTotal.Get(); ok && st.SentAt.IsSet() && sent.SameCents(total) {
		return st, Dispatch{Total: total, Skipped: SkipSameTotal}, nil
	}
	st.SentAt = generic.Some(now)
	st.SentTotal = generic.Some(total)
	return st, Dispatch{Send: true, Total: total}, nil
}
