// Package recurrence implements the Recurrence Generator (spec §4.4) and
// its supporting Dedupe Ledger (§4.3) on top of the pure period package.
package recurrence

import (
	"time"

	"github.com/proservcore/engine/internal/clock"
	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/period"
)

// Status is a RecurrenceRule's lifecycle state. Only Active rules generate.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusCanceled Status = "canceled"
)

// CrashRecoveryMode governs what the generator does when it finds a ledger
// row claimed but never fulfilled (the process died between claim and
// fulfill on some earlier tick). ReleaseAndReclaim is the spec's default.
type CrashRecoveryMode string

const (
	ReleaseAndReclaim   CrashRecoveryMode = "release-and-reclaim"
	RefactoryIdempotent CrashRecoveryMode = "refactory-idempotent"
)

// TargetRef is the tagged reference to the downstream object a rule
// materializes, passed opaquely through to the target-factory (spec §9).
type TargetRef struct {
	Kind string
	ID   string
}

// Rule is a RecurrenceRule (spec §3).
type Rule struct {
	ID       string
	TenantID domain.TenantID
	Code     string // optional stable code; empty if unset

	Target TargetRef

	Frequency            period.Frequency
	Interval             int
	AnchorKind           period.AnchorKind
	AnchorDate           clock.CivilDate
	FiscalYearStartMonth int

	StartsAt time.Time
	EndsAt   *time.Time
	Timezone string

	Status         Status
	CrashRecovery  CrashRecoveryMode
	CreatedAt      time.Time
	FirstMaterial  bool // true once the rule has produced at least one generation; timezone/anchor_kind become immutable
}

// ToPeriodRule projects the subset of fields the Period Computer needs.
func (r Rule) ToPeriodRule() period.Rule {
	return period.Rule{
		Frequency:            r.Frequency,
		Interval:             r.Interval,
		AnchorKind:           r.AnchorKind,
		AnchorDate:           r.AnchorDate,
		FiscalYearStartMonth: r.FiscalYearStartMonth,
		Timezone:             r.Timezone,
		StartsAt:             r.StartsAt,
		EndsAt:               r.EndsAt,
	}
}

// Generation is a RecurrenceGeneration ledger entry (spec §3).
type Generation struct {
	RuleID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	PeriodLabel string

	ProducedKind *string
	ProducedID   *string

	GeneratedAt time.Time
}

// Fulfilled reports whether this ledger row already points at a
// materialized target object.
func (g Generation) Fulfilled() bool {
	return g.ProducedID != nil
}
