package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
)

// =============================================================================
// REVIEW FLAGS
// =============================================================================

type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

// ReviewFlag is a dispute over one meter reading.
type ReviewFlag struct {
	ID          string
	ApartmentID string
	Month       generic.Month
	MeterType   string
	MeterIndex  int
	Status      FlagStatus
	Reason      string
	Comment     string
	CreatedAt   time.Time
	ResolvedAt  generic.Optional[time.Time]
}

// NewReviewFlag opens a flag on the channel's reading for month m.
func NewReviewFlag(apartmentID string, m generic.Month, ch meters.Channel, reason, comment string, now time.Time) ReviewFlag {
	return ReviewFlag{
		ID:          uuid.NewString(),
		ApartmentID: apartmentID,
		Month:       m,
		MeterType:   ch.MeterType(),
		MeterIndex:  ch.MeterIndex(),
		Status:      FlagOpen,
		Reason:      reason,
		Comment:     comment,
		CreatedAt:   now,
	}
}

func (f ReviewFlag) IsOpen() bool { return f.Status == FlagOpen }

// Channel maps the flag's meter position back to a channel.
func (f ReviewFlag) Channel() (meters.Channel, bool) {
	return meters.ChannelFor(f.MeterType, f.MeterIndex)
}

type flagKey struct {
	month     generic.Month
	meterType string
	index     int
}

// FlagGate answers "is this cell disputed". Only open flags are kept.
type FlagGate struct {
	open map[flagKey]ReviewFlag
}

// NewFlagGate indexes the open flags among flags.
func NewFlagGate(flags []ReviewFlag) FlagGate {
	g := FlagGate{open: make(map[flagKey]ReviewFlag)}
	for _, f := range flags {
		if !f.IsOpen() {
			continue
		}
		idx := f.MeterIndex
		if idx == 0 {
			idx = 1
		}
		g.open[flagKey{f.Month, f.MeterType, idx}] = f
	}
	return g
}

// Flag returns the open flag on (month, meterType, meterIndex).
func (g FlagGate) Flag(m generic.Month, meterType string, meterIndex int) (ReviewFlag, bool) {
	f, ok := g.open[flagKey{m, meterType, meterIndex}]
	return f, ok
}

// ForChannel is Flag keyed by channel.
func (g FlagGate) ForChannel(m generic.Month, ch meters.Channel) (ReviewFlag, bool) {
	return g.Flag(m, ch.MeterType(), ch.MeterIndex())
}

// InMonth returns the open flags of month m in channel display order.
func (g FlagGate) InMonth(m generic.Month) []ReviewFlag {
	var out []ReviewFlag
	seen := make(map[flagKey]bool)
	for _, ch := range meters.AllChannels {
		k := flagKey{m, ch.MeterType(), ch.MeterIndex()}
		if f, ok := g.open[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, f)
		}
	}
	for k, f := range g.open {
		if k.month == m && !seen[k] {
			out = append(out, f)
		}
	}
	return out
}
