package generic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// MONTH - Year-month index (the billing granularity of this system)
// =============================================================================

// Month is a calendar month encoded as year*12 + (month-1). Consecutive
// months have consecutive values, so cycle arithmetic is plain integer
// arithmetic and month slices sort with sort.Ints semantics.
type Month int

func NewMonth(year int, month time.Month) Month {
	return Month(year*12 + int(month) - 1)
}

// MonthOf returns the month containing t, in t's location.
func MonthOf(t time.Time) Month { return NewMonth(t.Year(), t.Month()) }

// CurrentMonth returns the month of now.
func CurrentMonth(now time.Time) Month { return MonthOf(now) }

func (m Month) Year() int               { return int(m) / 12 }
func (m Month) Month() time.Month       { return time.Month(int(m)%12 + 1) }
func (m Month) Index() int              { return int(m) }
func (m Month) Add(n int) Month         { return m + Month(n) }
func (m Month) Prev() Month             { return m - 1 }
func (m Month) Sub(o Month) int         { return int(m - o) }
func (m Month) Before(o Month) bool     { return m < o }
func (m Month) After(o Month) bool      { return m > o }
func (m Month) String() string          { return fmt.Sprintf("%04d-%02d", m.Year(), int(m.Month())) }

// First returns midnight UTC of the first day.
func (m Month) First() time.Time {
	return time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Days returns the number of days in the month.
func (m Month) Days() int {
	return m.First().AddDate(0, 1, -1).Day()
}

// Date returns the given day of the month, clamped to 1..Days().
func (m Month) Date(day int) time.Time {
	if day < 1 {
		day = 1
	}
	if last := m.Days(); day > last {
		day = last
	}
	return time.Date(m.Year(), m.Month(), day, 0, 0, 0, 0, time.UTC)
}

func (m Month) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Month) UnmarshalText(b []byte) error {
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// PARSING
// =============================================================================

var (
	strictMonthRe = regexp.MustCompile(`^(\d{4})-(0[1-9]|1[0-2])$`)
	yearFirstRe   = regexp.MustCompile(`^(\d{4})-(\d{1,2})$`)
	monthFirstRe  = regexp.MustCompile(`^(\d{1,2})-(\d{4})$`)
	compactRe     = regexp.MustCompile(`^(\d{4})(\d{2})$`)
	digitsRe      = regexp.MustCompile(`\d+`)
	isoDateRe     = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	dmyDateRe     = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})-(\d{4})$`)
	separatorRepl = strings.NewReplacer("/", "-", ".", "-", "_", "-")
)

const (
	minYear = 1900
	maxYear = 2100
)

// ParseMonth parses the canonical YYYY-MM form.
func ParseMonth(s string) (Month, error) {
	g := strictMonthRe.FindStringSubmatch(strings.TrimSpace(s))
	if g == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	y, _ := strconv.Atoi(g[1])
	mm, _ := strconv.Atoi(g[2])
	return NewMonth(y, time.Month(mm)), nil
}

// MustParseMonth panics on malformed input. Tests and constants only.
func MustParseMonth(s string) Month {
	m, err := ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

// NormalizeMonth reads a month typed into an operator form. It accepts
// YYYY-M, M-YYYY and YYYYMM with "/", "." or "_" as separators, and as a
// last resort picks a four digit year (or a trailing two digit 20YY) and
// the first group in 1..12 as the month. ok is false when nothing usable
// was found; callers treat that as "field not set".
func NormalizeMonth(s string) (Month, bool) {
	s = separatorRepl.Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	if g := yearFirstRe.FindStringSubmatch(s); g != nil {
		if m, ok := monthIfValid(atoi(g[1]), atoi(g[2])); ok {
			return m, true
		}
	}
	if g := monthFirstRe.FindStringSubmatch(s); g != nil {
		if m, ok := monthIfValid(atoi(g[2]), atoi(g[1])); ok {
			return m, true
		}
	}
	if g := compactRe.FindStringSubmatch(s); g != nil {
		if m, ok := monthIfValid(atoi(g[1]), atoi(g[2])); ok {
			return m, true
		}
	}

	nums := digitsRe.FindAllString(s, -1)
	if len(nums) < 2 {
		return 0, false
	}
	year, month := -1, -1
	for _, n := range nums {
		if len(n) == 4 {
			year = atoi(n)
			break
		}
	}
	if year < 0 && len(nums[len(nums)-1]) == 2 {
		year = 2000 + atoi(nums[len(nums)-1])
	}
	for _, n := range nums {
		if v := atoi(n); v >= 1 && v <= 12 {
			month = v
			break
		}
	}
	if year < 0 || month < 0 {
		return 0, false
	}
	return monthIfValid(year, month)
}

// NormalizeDate reads a date typed into an operator form: YYYY-M-D or
// D-M-YYYY with the same separator folding as NormalizeMonth.
func NormalizeDate(s string) (time.Time, bool) {
	s = separatorRepl.Replace(strings.TrimSpace(s))
	if s == "" {
		return time.Time{}, false
	}
	if g := isoDateRe.FindStringSubmatch(s); g != nil {
		return dateIfValid(atoi(g[1]), atoi(g[2]), atoi(g[3]))
	}
	if g := dmyDateRe.FindStringSubmatch(s); g != nil {
		return dateIfValid(atoi(g[3]), atoi(g[2]), atoi(g[1]))
	}
	return time.Time{}, false
}

func monthIfValid(year, month int) (Month, bool) {
	if year < minYear || year > maxYear || month < 1 || month > 12 {
		return 0, false
	}
	return NewMonth(year, time.Month(month)), true
}

func dateIfValid(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return v
}
