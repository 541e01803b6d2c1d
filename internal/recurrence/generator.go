package recurrence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/period"
	"github.com/proservcore/engine/internal/recurrence/ledger"
)

// TargetFactory is the host-supplied callback that materializes the
// downstream object for a period (spec §4.4). The engine passes the exact
// period boundaries; the factory is expected to create the object
// atomically and return a reference to it.
type TargetFactory func(ctx context.Context, rule Rule, per period.Period) (producedKind, producedID string, err error)

// RuleRepository is the persistence contract the generator needs for rule
// lifecycle and lookup. Both storage backends (postgres, sqlite) implement
// this the same way.
type RuleRepository interface {
	ListActive(ctx context.Context, tenantID domain.TenantID) ([]Rule, error)
	Get(ctx context.Context, ruleID string) (Rule, error)
	SetStatus(ctx context.Context, ruleID string, status Status) error
	MarkMaterialized(ctx context.Context, ruleID string) error

	// ListTenants returns the distinct tenants with at least one active
	// rule, so a cross-tenant scheduler (internal/worker's recurrence
	// ticker) can enumerate its per-tenant Tick calls without a
	// tenant-registry dependency of its own.
	ListTenants(ctx context.Context) ([]domain.TenantID, error)
}

// GenerateReport summarizes one rule's pass through the pipeline.
type GenerateReport struct {
	Examined          int
	SkippedAlreadyDone int
	Produced          int
	Failed            int
}

func (r *GenerateReport) add(o GenerateReport) {
	r.Examined += o.Examined
	r.SkippedAlreadyDone += o.SkippedAlreadyDone
	r.Produced += o.Produced
	r.Failed += o.Failed
}

// Generator is the Recurrence Generator (spec §4.4): it orchestrates the
// Period Computer, the Dedupe Ledger, and a target-factory registry to
// materialize periods idempotently.
type Generator struct {
	Ledger    ledger.Ledger
	Rules     RuleRepository
	Factories map[string]TargetFactory // keyed by TargetRef.Kind

	// DefaultTimezone (ENGINE_DEFAULT_TIMEZONE) is the IANA zone applied to
	// a rule whose own Timezone field is unset, so a rule created without
	// an explicit zone still passes period.Validate instead of failing
	// every tick with ErrBadRule.
	DefaultTimezone string
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithDefaultTimezone sets the deployment-wide timezone fallback for rules
// that don't set their own.
func WithDefaultTimezone(tz string) GeneratorOption {
	return func(g *Generator) { g.DefaultTimezone = tz }
}

// NewGenerator constructs a Generator. Factories is keyed by target_kind;
// a rule whose TargetRef.Kind has no registered factory has each period's
// claim released and counted as Failed in its report, rather than panicking.
func NewGenerator(l ledger.Ledger, rules RuleRepository, factories map[string]TargetFactory, opts ...GeneratorOption) *Generator {
	g := &Generator{Ledger: l, Rules: rules, Factories: factories}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Tick enumerates periods with start in [now, now+horizon] for every active
// rule belonging to tenantID and runs the materialization pipeline on each
// period not already in the ledger (spec §4.4).
func (g *Generator) Tick(ctx context.Context, tenantID domain.TenantID, now time.Time, horizon time.Duration) (map[string]GenerateReport, error) {
	rules, err := g.Rules.ListActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing active rules: %v", domain.ErrInternal, err)
	}

	until := now.Add(horizon)
	reports := make(map[string]GenerateReport, len(rules))
	for _, rule := range rules {
		report, err := g.run(ctx, rule, now, until)
		if err != nil {
			return reports, err
		}
		reports[rule.ID] = report
	}
	return reports, nil
}

// Backfill enumerates periods from the rule's earliest valid start up to
// min(until, now) and runs the same pipeline. Idempotent by construction:
// re-running it over an already-generated window produces zero new ledger
// rows.
func (g *Generator) Backfill(ctx context.Context, ruleID string, until time.Time) (GenerateReport, error) {
	rule, err := g.Rules.Get(ctx, ruleID)
	if err != nil {
		return GenerateReport{}, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}

	now := time.Now().UTC()
	effectiveUntil := until
	if now.Before(effectiveUntil) {
		effectiveUntil = now
	}

	return g.run(ctx, rule, rule.StartsAt, effectiveUntil)
}

// Pause sets the rule's status to paused; a paused rule generates nothing
// until Resume.
func (g *Generator) Pause(ctx context.Context, ruleID string) error {
	return g.Rules.SetStatus(ctx, ruleID, StatusPaused)
}

// Resume reactivates a paused rule.
func (g *Generator) Resume(ctx context.Context, ruleID string) error {
	return g.Rules.SetStatus(ctx, ruleID, StatusActive)
}

// Cancel marks a rule canceled. Canceled rules refuse future claims but
// retain their ledger rows (spec §4.4).
func (g *Generator) Cancel(ctx context.Context, ruleID string) error {
	return g.Rules.SetStatus(ctx, ruleID, StatusCanceled)
}

func (g *Generator) run(ctx context.Context, rule Rule, from, until time.Time) (GenerateReport, error) {
	var report GenerateReport

	if rule.Status != StatusActive {
		return report, nil
	}

	periodRule := rule.ToPeriodRule()
	if periodRule.Timezone == "" {
		periodRule.Timezone = g.DefaultTimezone
	}

	periods, err := period.Sequence(periodRule, from, until)
	if err != nil {
		return report, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	for _, per := range periods {
		report.Examined++
		outcome := g.materialize(ctx, rule, per)
		switch outcome {
		case outcomeSkipped:
			report.SkippedAlreadyDone++
		case outcomeProduced:
			report.Produced++
		case outcomeFailed:
			report.Failed++
		}
	}

	if report.Produced > 0 || report.SkippedAlreadyDone > 0 {
		if err := g.Rules.MarkMaterialized(ctx, rule.ID); err != nil {
			slog.ErrorContext(ctx, "failed to mark rule materialized", "rule_id", rule.ID, "error", err)
		}
	}

	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeProduced
	outcomeFailed
)

// materialize runs claim -> target_factory -> fulfill (or release on
// failure) for a single period, handling the crash-recovery case where a
// prior claim was never fulfilled (spec §4.4 crash safety).
func (g *Generator) materialize(ctx context.Context, rule Rule, per period.Period) outcome {
	result, err := g.Ledger.Claim(ctx, rule.ID, per.Start, per.End, per.Label)
	if err != nil {
		slog.ErrorContext(ctx, "ledger claim failed", "rule_id", rule.ID, "period_start", per.Start, "error", err)
		return outcomeFailed
	}

	switch result.Status {
	case ledger.AlreadyDone:
		if result.Row.Fulfilled() {
			return outcomeSkipped
		}
		return g.recoverUnfulfilled(ctx, rule, per)
	case ledger.Claimed:
		return g.runFactory(ctx, rule, per)
	default:
		return outcomeFailed
	}
}

// recoverUnfulfilled handles a ledger row left behind by a process that
// died between claim and fulfill.
func (g *Generator) recoverUnfulfilled(ctx context.Context, rule Rule, per period.Period) outcome {
	mode := rule.CrashRecovery
	if mode == "" {
		mode = ReleaseAndReclaim
	}

	if mode == RefactoryIdempotent {
		return g.runFactory(ctx, rule, per)
	}

	if err := g.Ledger.Release(ctx, rule.ID, per.Start); err != nil {
		slog.ErrorContext(ctx, "ledger release failed during recovery", "rule_id", rule.ID, "period_start", per.Start, "error", err)
		return outcomeFailed
	}

	result, err := g.Ledger.Claim(ctx, rule.ID, per.Start, per.End, per.Label)
	if err != nil {
		slog.ErrorContext(ctx, "ledger re-claim failed during recovery", "rule_id", rule.ID, "period_start", per.Start, "error", err)
		return outcomeFailed
	}
	if result.Status == ledger.AlreadyDone {
		// Another worker won the re-claim race; defer to it.
		if result.Row.Fulfilled() {
			return outcomeSkipped
		}
		return outcomeFailed
	}
	return g.runFactory(ctx, rule, per)
}

func (g *Generator) runFactory(ctx context.Context, rule Rule, per period.Period) outcome {
	factory, ok := g.Factories[rule.Target.Kind]
	if !ok {
		slog.ErrorContext(ctx, "no target factory registered", "rule_id", rule.ID, "target_kind", rule.Target.Kind)
		_ = g.Ledger.Release(ctx, rule.ID, per.Start)
		return outcomeFailed
	}

	producedKind, producedID, err := factory(ctx, rule, per)
	if err != nil {
		slog.WarnContext(ctx, "target factory failed", "rule_id", rule.ID, "period_start", per.Start, "error", err)
		if relErr := g.Ledger.Release(ctx, rule.ID, per.Start); relErr != nil {
			slog.ErrorContext(ctx, "ledger release failed after factory error", "rule_id", rule.ID, "error", relErr)
		}
		return outcomeFailed
	}

	if err := g.Ledger.Fulfill(ctx, rule.ID, per.Start, producedKind, producedID); err != nil {
		slog.ErrorContext(ctx, "ledger fulfill failed", "rule_id", rule.ID, "period_start", per.Start, "error", err)
		return outcomeFailed
	}
	return outcomeProduced
}
