// Package period is the Period Computer (spec §4.2): given a recurrence
// rule and a reference instant, it produces a finite, deterministic
// sequence of half-open UTC periods with human labels. It is pure — no
// store, no clock injection beyond the instants it is handed. All
// arithmetic happens on civil (zone-local, time-of-day-free) dates; the
// only place a zone offset is applied is when a civil date is resolved to a
// UTC instant.
package period

import (
	"fmt"
	"time"

	"github.com/proservcore/engine/internal/clock"
	"github.com/proservcore/engine/internal/domain"
)

// Frequency is the recurrence cadence.
type Frequency string

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

// AnchorKind determines how period boundaries are aligned.
type AnchorKind string

const (
	AnchorCalendar AnchorKind = "calendar"
	AnchorFiscal   AnchorKind = "fiscal"
	AnchorCustom   AnchorKind = "custom"
)

// Rule is the subset of a RecurrenceRule the Period Computer needs. It is
// deliberately narrower than recurrence.Rule so this package has no
// dependency on the ledger or generator.
type Rule struct {
	Frequency            Frequency
	Interval             int
	AnchorKind           AnchorKind
	AnchorDate           clock.CivilDate
	FiscalYearStartMonth int // 1..12, required when AnchorKind == AnchorFiscal and Frequency == Quarterly
	Timezone             string
	StartsAt             time.Time  // UTC instant, required
	EndsAt               *time.Time // UTC instant, nil = open-ended
}

// Period is a half-open UTC interval with a deterministic label.
type Period struct {
	Start time.Time // UTC, inclusive
	End   time.Time // UTC, exclusive
	Label string
}

// Validate checks the rule is well-formed, returning domain.ErrBadRule
// wrapped with the specific reason on failure.
func Validate(r Rule) error {
	if r.Timezone == "" {
		return fmt.Errorf("%w: timezone is required", domain.ErrBadRule)
	}
	if _, err := clock.LoadZone(r.Timezone); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRule, err)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("%w: interval must be >= 1, got %d", domain.ErrBadRule, r.Interval)
	}
	switch r.Frequency {
	case Daily, Weekly, Monthly, Yearly:
	case Quarterly:
		if r.AnchorKind == AnchorFiscal && (r.FiscalYearStartMonth < 1 || r.FiscalYearStartMonth > 12) {
			return fmt.Errorf("%w: quarterly fiscal anchor requires fiscal_year_start_month in 1..12", domain.ErrBadRule)
		}
	default:
		return fmt.Errorf("%w: unsupported frequency %q", domain.ErrBadRule, r.Frequency)
	}
	if r.AnchorKind == AnchorCustom {
		return fmt.Errorf("%w: custom anchor kind is not implemented in the core", domain.ErrBadRule)
	}
	if r.AnchorKind != AnchorCalendar && r.AnchorKind != AnchorFiscal {
		return fmt.Errorf("%w: unknown anchor_kind %q", domain.ErrBadRule, r.AnchorKind)
	}
	if r.StartsAt.IsZero() {
		return fmt.Errorf("%w: starts_at is required", domain.ErrBadRule)
	}
	if r.EndsAt != nil && !r.EndsAt.After(r.StartsAt) {
		return fmt.Errorf("%w: ends_at must be after starts_at", domain.ErrBadRule)
	}
	return nil
}

// Sequence returns every period that has not already fully elapsed before
// max(from, rule.StartsAt) — i.e. period.End > max(from, rule.StartsAt) —
// whose start is also < rule.EndsAt (if bounded) and <= until. A period
// already in progress at the lower bound (its start precedes the bound but
// its end doesn't) is included, matching the spec's own worked fiscal-
// quarter example where the quarter containing starts_at is the first one
// reported even though it began before starts_at.
func Sequence(r Rule, from, until time.Time) ([]Period, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	loc, err := clock.LoadZone(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadRule, err)
	}

	lowerBound := from
	if r.StartsAt.After(lowerBound) {
		lowerBound = r.StartsAt
	}

	k := firstIndexEndingAfter(r, loc, lowerBound)

	var periods []Period
	for {
		startDate, endDate, label := periodAt(r, k)
		start := clock.FromZoned(clock.AtMidnight(startDate, loc))
		end := clock.FromZoned(clock.AtMidnight(endDate, loc))

		if r.EndsAt != nil && !start.Before(*r.EndsAt) {
			break
		}
		if start.After(until) {
			break
		}
		periods = append(periods, Period{Start: start, End: end, Label: label})
		k++
	}
	return periods, nil
}

// unitSeconds is a rough average duration of one cadence unit, used only to
// make firstIndexEndingAfter's initial estimate close on long backfill
// windows; the result is always corrected by exact linear stepping
// afterward, so the estimate need not be exact.
func unitSeconds(f Frequency) float64 {
	switch f {
	case Daily:
		return 86400
	case Weekly:
		return 7 * 86400
	case Monthly:
		return 30.436875 * 86400
	case Quarterly:
		return 3 * 30.436875 * 86400
	case Yearly:
		return 365.2425 * 86400
	default:
		return 86400
	}
}

// firstIndexEndingAfter finds the smallest k >= 0 such that periodAt(r,
// k)'s end instant is strictly after lowerBound — the first period not
// already fully elapsed at the lower bound.
func firstIndexEndingAfter(r Rule, loc *time.Location, lowerBound time.Time) int {
	anchorStart := clock.FromZoned(clock.AtMidnight(r.AnchorDate, loc))
	elapsed := lowerBound.Sub(anchorStart).Seconds()
	est := int(elapsed / (unitSeconds(r.Frequency) * float64(r.Interval)))

	k := est
	if k < 0 {
		k = 0
	}

	endOf := func(idx int) time.Time {
		if idx < 0 {
			idx = 0
		}
		_, ed, _ := periodAt(r, idx)
		return clock.FromZoned(clock.AtMidnight(ed, loc))
	}

	for k > 0 && endOf(k-1).After(lowerBound) {
		k--
	}
	for !endOf(k).After(lowerBound) {
		k++
	}
	return k
}

// periodAt computes the civil-date bounds and label of the k-th period
// (k=0 is the period anchored directly on the rule's anchor date), for
// k >= 0.
func periodAt(r Rule, k int) (startDate, endDate clock.CivilDate, label string) {
	switch r.Frequency {
	case Daily:
		start := r.AnchorDate.AddDays(k * r.Interval)
		return start, start.AddDays(1), dailyLabel(start)

	case Weekly:
		start := r.AnchorDate.AddDays(k * 7 * r.Interval)
		return start, start.AddDays(7), weeklyLabel(start)

	case Monthly:
		start := r.AnchorDate.AddMonths(k * r.Interval)
		end := clock.CivilDate{Year: start.Year, Month: start.Month, Day: 1}.AddMonths(1)
		return start, end, monthlyLabel(start)

	case Quarterly:
		if r.AnchorKind == AnchorFiscal {
			return fiscalQuarterAt(r, k)
		}
		start := r.AnchorDate.AddMonths(k * 3 * r.Interval)
		end := clock.CivilDate{Year: start.Year, Month: start.Month, Day: 1}.AddMonths(3)
		return start, end, calendarQuarterLabel(start)

	case Yearly:
		start := r.AnchorDate.AddYears(k * r.Interval)
		return start, start.AddYears(1), yearlyLabel(start)
	}
	return clock.CivilDate{}, clock.CivilDate{}, ""
}

func fiscalQuarterAt(r Rule, k int) (startDate, endDate clock.CivilDate, label string) {
	fy0, q0, _ := clock.FiscalQuarterOf(r.AnchorDate, r.FiscalYearStartMonth)
	absoluteQuarter0 := fy0*4 + (q0 - 1)
	target := absoluteQuarter0 + k*r.Interval

	fy := target / 4
	q := target%4 + 1
	if target < 0 { // defensive; k is always >= 0 in practice
		fy = (target - 3) / 4
		q = target - fy*4 + 1
	}

	monthsFromFYStart := (q - 1) * 3
	totalMonth := r.FiscalYearStartMonth - 1 + monthsFromFYStart
	qYear := fy + totalMonth/12
	qMonth := time.Month(totalMonth%12 + 1)
	start := clock.CivilDate{Year: qYear, Month: qMonth, Day: 1}
	end := start.AddMonths(3)
	return start, end, fiscalLabel(fy, q)
}

func dailyLabel(d clock.CivilDate) string {
	return d.String()
}

func weeklyLabel(d clock.CivilDate) string {
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func monthlyLabel(d clock.CivilDate) string {
	return fmt.Sprintf("%04d-%02d", d.Year, d.Month)
}

func calendarQuarterLabel(quarterStart clock.CivilDate) string {
	q := (int(quarterStart.Month)-1)/3 + 1
	return fmt.Sprintf("%04d-Q%d", quarterStart.Year, q)
}

func fiscalLabel(fiscalYear, quarter int) string {
	return fmt.Sprintf("%04d-Q%d", fiscalYear, quarter)
}

func yearlyLabel(d clock.CivilDate) string {
	return fmt.Sprintf("%04d", d.Year)
}
