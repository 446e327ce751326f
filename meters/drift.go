package meters

import (
	"github.com/shopspring/decimal"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/tariff"
)

// =============================================================================
// DRIFT - month-over-month sanity check per article
// =============================================================================

// Article is a line of the utility bill.
type Article string

const (
	ArticleCold     Article = "cold"
	ArticleHot      Article = "hot"
	ArticleSewer    Article = "sewer"
	ArticleElectric Article = "electric"
	ArticleTotal    Article = "total"
)

// Components are the money lines of one month's bill.
type Components struct {
	Cold     generic.Optional[generic.Money] `json:"cold_rub"`
	Hot      generic.Optional[generic.Money] `json:"hot_rub"`
	Sewer    generic.Optional[generic.Money] `json:"sewer_rub"`
	Electric generic.Optional[generic.Money] `json:"electric_rub"`
	Total    generic.Optional[generic.Money] `json:"total_rub"`
}

func (c Components) get(a Article) generic.Optional[generic.Money] {
	switch a {
	case ArticleCold:
		return c.Cold
	case ArticleHot:
		return c.Hot
	case ArticleSewer:
		return c.Sewer
	case ArticleElectric:
		return c.Electric
	}
	return c.Total
}

// Equal compares two component sets to the cent.
func (c Components) Equal(o Components) bool {
	for _, a := range []Article{ArticleCold, ArticleHot, ArticleSewer, ArticleElectric, ArticleTotal} {
		x, xok := c.get(a).Get()
		y, yok := o.get(a).Get()
		if xok != yok || (xok && !x.SameCents(y)) {
			return false
		}
	}
	return true
}

// Components returns the bill lines of a complete accrual; channels
// without a charge count as zero.
func (a Accrual) Components() Components {
	zero := func(ch Channel) generic.Optional[generic.Money] {
		return generic.Some(a.Charges[ch].OrElse(generic.Zero))
	}
	return Components{
		Cold:     zero(Cold),
		Hot:      zero(Hot),
		Sewer:    zero(Sewer),
		Electric: generic.Some(a.Electric()),
		Total:    a.Total,
	}
}

// PriorComponents prices the previous month's deltas at this month's
// rates. A line is unset when its deltas are missing; the total exists
// only when every line does.
func PriorComponents(prev MonthRow, rates tariff.RateSet) Components {
	line := func(delta generic.Optional[decimal.Decimal], rate generic.Optional[generic.Money]) generic.Optional[generic.Money] {
		return generic.MapOptional(delta, func(d decimal.Decimal) generic.Money {
			return rate.OrElse(generic.Zero).Mul(d)
		})
	}

	coldDelta := prev.Get(Cold).Delta
	hotDelta := prev.Get(Hot).Delta
	sewerDelta := prev.Get(Sewer).Delta
	if !sewerDelta.IsSet() {
		c, cok := coldDelta.Get()
		h, hok := hotDelta.Get()
		if cok && hok {
			sewerDelta = generic.Some(c.Add(h))
		}
	}

	var c Components
	c.Cold = line(coldDelta, rates.Cold)
	c.Hot = line(hotDelta, rates.Hot)
	c.Sewer = line(sewerDelta, rates.Sewer)

	e1 := line(prev.Get(ElectricT1).Delta, rates.ElectricT1)
	e2 := line(prev.Get(ElectricT2).Delta, rates.ElectricT2)
	if e1.IsSet() || e2.IsSet() {
		c.Electric = generic.Some(generic.Sum(e1, e2))
	}

	if c.Cold.IsSet() && c.Hot.IsSet() && c.Sewer.IsSet() && c.Electric.IsSet() {
		c.Total = generic.Some(generic.Sum(c.Cold, c.Hot, c.Sewer, c.Electric))
	}
	return c
}

// PendingItem is a bill line that moved more than the threshold.
type PendingItem struct {
	Current  generic.Money `json:"cur_rub"`
	Previous generic.Money `json:"prev_rub"`
	Diff     generic.Money `json:"diff_rub"`
}

// Drift returns the lines whose absolute change exceeds threshold. Lines
// missing on either side are skipped.
func Drift(cur, prev Components, threshold generic.Money) map[Article]PendingItem {
	items := make(map[Article]PendingItem)
	for _, a := range []Article{ArticleCold, ArticleHot, ArticleSewer, ArticleElectric, ArticleTotal} {
		c, cok := cur.get(a).Get()
		p, pok := prev.get(a).Get()
		if !cok || !pok {
			continue
		}
		diff := c.Sub(p)
		if diff.Abs().GreaterThan(threshold) {
			items[a] = PendingItem{Current: c, Previous: p, Diff: diff}
		}
	}
	return items
}

// =============================================================================
// T3 CONSISTENCY
// =============================================================================

var t3Tolerance = decimal.RequireFromString("0.01")

// T3Check compares the tier 3 total with T1 + T2.
type T3Check struct {
	Expected generic.Optional[decimal.Decimal] `json:"expected"`
	Raw      generic.Optional[decimal.Decimal] `json:"raw"`
	Mismatch bool                              `json:"mismatch"`
}

// CheckT3 flags a tier 3 reading that differs from T1 + T2 by more than
// one hundredth.
func CheckT3(row MonthRow) T3Check {
	var check T3Check
	check.Raw = row.Get(ElectricT3).Current

	t1, ok1 := row.Get(ElectricT1).Current.Get()
	t2, ok2 := row.Get(ElectricT2).Current.Get()
	if !ok1 || !ok2 {
		return check
	}
	expected := t1.Add(t2)
	check.Expected = generic.Some(expected)
	if raw, ok := check.Raw.Get(); ok {
		check.Mismatch = raw.Sub(expected).Abs().GreaterThan(t3Tolerance)
	}
	return check
}
