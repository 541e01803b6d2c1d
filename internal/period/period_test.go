package period

import (
	"testing"
	"time"

	"github.com/proservcore/engine/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustUTC(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// S1 — Monthly rule across DST (America/New_York).
func TestSequence_S1_MonthlyAcrossDST(t *testing.T) {
	endsAt := mustUTC("2026-05-01T00:00:00Z")
	r := Rule{
		Frequency:  Monthly,
		Interval:   1,
		AnchorKind: AnchorCalendar,
		AnchorDate: clock.CivilDate{Year: 2026, Month: 2, Day: 15},
		Timezone:   "America/New_York",
		StartsAt:   mustUTC("2026-02-01T00:00:00Z"),
		EndsAt:     &endsAt,
	}

	periods, err := Sequence(r, r.StartsAt, mustUTC("2027-01-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, periods, 3)

	assert.Equal(t, mustUTC("2026-02-15T05:00:00Z"), periods[0].Start)
	assert.Equal(t, "2026-02", periods[0].Label)
	assert.Equal(t, mustUTC("2026-03-15T04:00:00Z"), periods[1].Start)
	assert.Equal(t, "2026-03", periods[1].Label)
	assert.Equal(t, mustUTC("2026-04-15T04:00:00Z"), periods[2].Start)
	assert.Equal(t, "2026-04", periods[2].Label)
}

// S2 — Monthly clamp.
func TestSequence_S2_MonthlyClamp(t *testing.T) {
	r := Rule{
		Frequency:  Monthly,
		Interval:   1,
		AnchorKind: AnchorCalendar,
		AnchorDate: clock.CivilDate{Year: 2026, Month: 1, Day: 31},
		Timezone:   "UTC",
		StartsAt:   mustUTC("2026-01-01T00:00:00Z"),
	}

	periods, err := Sequence(r, r.StartsAt, mustUTC("2026-05-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, periods, 4)

	want := []string{"2026-01-31", "2026-02-28", "2026-03-31", "2026-04-30"}
	for i, w := range want {
		assert.Equal(t, w, periods[i].Start.Format("2006-01-02"), "period %d", i)
	}
}

// S3 — Fiscal quarterly.
func TestSequence_S3_FiscalQuarterly(t *testing.T) {
	endsAt := mustUTC("2027-04-01T00:00:00Z")
	startsAt := mustUTC("2026-03-01T00:00:00Z")
	r := Rule{
		Frequency:            Quarterly,
		Interval:             1,
		AnchorKind:           AnchorFiscal,
		AnchorDate:           clock.CivilDateOf(startsAt),
		FiscalYearStartMonth: 4,
		Timezone:             "UTC",
		StartsAt:             startsAt,
		EndsAt:               &endsAt,
	}

	periods, err := Sequence(r, r.StartsAt, mustUTC("2028-01-01T00:00:00Z"))
	require.NoError(t, err)

	wantLabels := []string{"2025-Q4", "2026-Q1", "2026-Q2", "2026-Q3", "2026-Q4"}
	gotLabels := make([]string, len(periods))
	for i, p := range periods {
		gotLabels[i] = p.Label
	}
	assert.Equal(t, wantLabels, gotLabels)
}

// Property 1 & 2: uniqueness and monotonicity.
func TestSequence_UniqueAndMonotonic(t *testing.T) {
	cases := []Rule{
		{Frequency: Daily, Interval: 1, AnchorKind: AnchorCalendar, AnchorDate: clock.CivilDate{2026, 1, 1}, Timezone: "America/New_York", StartsAt: mustUTC("2026-01-01T00:00:00Z")},
		{Frequency: Weekly, Interval: 2, AnchorKind: AnchorCalendar, AnchorDate: clock.CivilDate{2026, 1, 5}, Timezone: "UTC", StartsAt: mustUTC("2026-01-01T00:00:00Z")},
		{Frequency: Monthly, Interval: 1, AnchorKind: AnchorCalendar, AnchorDate: clock.CivilDate{2026, 1, 31}, Timezone: "UTC", StartsAt: mustUTC("2026-01-01T00:00:00Z")},
		{Frequency: Yearly, Interval: 1, AnchorKind: AnchorCalendar, AnchorDate: clock.CivilDate{2024, 2, 29}, Timezone: "UTC", StartsAt: mustUTC("2020-01-01T00:00:00Z")},
	}

	for _, r := range cases {
		periods, err := Sequence(r, r.StartsAt, mustUTC("2030-01-01T00:00:00Z"))
		require.NoError(t, err)
		require.NotEmpty(t, periods)

		seen := map[int64]bool{}
		var prev time.Time
		for i, p := range periods {
			key := p.Start.Unix()
			assert.False(t, seen[key], "duplicate period_start at index %d", i)
			seen[key] = true
			if i > 0 {
				assert.True(t, p.Start.After(prev), "period_start must be strictly increasing at index %d", i)
			}
			prev = p.Start
		}
	}
}

// Property 3: DST correctness across a spring-forward boundary.
func TestSequence_DSTCorrectness(t *testing.T) {
	r := Rule{
		Frequency:  Daily,
		Interval:   1,
		AnchorKind: AnchorCalendar,
		AnchorDate: clock.CivilDate{Year: 2026, Month: 3, Day: 6},
		Timezone:   "America/New_York",
		StartsAt:   mustUTC("2026-03-06T00:00:00Z"),
	}

	periods, err := Sequence(r, r.StartsAt, mustUTC("2026-03-11T00:00:00Z"))
	require.NoError(t, err)
	require.True(t, len(periods) >= 5)

	loc, _ := clock.LoadZone("America/New_York")
	sawGap := false
	for i := 1; i < len(periods); i++ {
		diff := periods[i].Start.Sub(periods[i-1].Start)
		hours := diff.Hours()
		assert.True(t, hours == 23 || hours == 24 || hours == 25, "day %d: delta was %v hours", i, hours)
		if hours != 24 {
			sawGap = true
		}
		// Zoned wall time must be identical (midnight) regardless of the
		// instant's UTC offset.
		zoned := periods[i].Start.In(loc)
		assert.Equal(t, 0, zoned.Hour())
		assert.Equal(t, 0, zoned.Minute())
	}
	assert.True(t, sawGap, "expected to observe the spring-forward 23-hour day in the window")
}

func TestValidate_RejectsUnknownFrequency(t *testing.T) {
	r := Rule{Frequency: "bogus", Interval: 1, AnchorKind: AnchorCalendar, Timezone: "UTC", StartsAt: mustUTC("2026-01-01T00:00:00Z")}
	err := Validate(r)
	require.Error(t, err)
}

func TestValidate_RejectsCustomAnchor(t *testing.T) {
	r := Rule{Frequency: Daily, Interval: 1, AnchorKind: AnchorCustom, Timezone: "UTC", StartsAt: mustUTC("2026-01-01T00:00:00Z")}
	err := Validate(r)
	require.Error(t, err)
}

func TestValidate_RejectsMissingTimezone(t *testing.T) {
	r := Rule{Frequency: Daily, Interval: 1, AnchorKind: AnchorCalendar, StartsAt: mustUTC("2026-01-01T00:00:00Z")}
	err := Validate(r)
	require.Error(t, err)
}

func TestValidate_RejectsFiscalWithoutMonth(t *testing.T) {
	r := Rule{Frequency: Quarterly, Interval: 1, AnchorKind: AnchorFiscal, Timezone: "UTC", StartsAt: mustUTC("2026-01-01T00:00:00Z")}
	err := Validate(r)
	require.Error(t, err)
}
