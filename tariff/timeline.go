package tariff

import (
	"sort"

	"github.com/warp/rent-engine/generic"
)

// Dated is anything valid from a month onward.
type Dated interface {
	From() generic.Month
}

// Timeline keeps effective-dated items sorted by month with at most one
// item per month. Lookups are O(log n).
type Timeline[T Dated] struct {
	items []T
}

// NewTimeline sorts a copy of items. When two items share a month the one
// later in the input wins, matching upsert semantics of the stores.
func NewTimeline[T Dated](items []T) Timeline[T] {
	byMonth := make(map[generic.Month]T, len(items))
	for _, it := range items {
		byMonth[it.From()] = it
	}
	sorted := make([]T, 0, len(byMonth))
	for _, it := range byMonth {
		sorted = append(sorted, it)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From() < sorted[j].From() })
	return Timeline[T]{items: sorted}
}

func (t Timeline[T]) Len() int   { return len(t.items) }
func (t Timeline[T]) Items() []T { return t.items }

// At returns the item with the greatest month not after m.
func (t Timeline[T]) At(m generic.Month) (T, bool) {
	i := sort.Search(len(t.items), func(i int) bool { return t.items[i].From() > m })
	if i == 0 {
		var zero T
		return zero, false
	}
	return t.items[i-1], true
}

// Earliest returns the first item.
func (t Timeline[T]) Earliest() (T, bool) {
	if len(t.items) == 0 {
		var zero T
		return zero, false
	}
	return t.items[0], true
}
