// Package ledger is the Dedupe Ledger (spec §4.3): a unique-by-(rule_id,
// period_start) persistent record of every successful (or in-flight)
// materialization.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/recurrence"
)

// ClaimStatus is the outcome of a Claim call.
type ClaimStatus string

const (
	Claimed     ClaimStatus = "claimed"
	AlreadyDone ClaimStatus = "already_done"
)

// ClaimResult carries the outcome of Claim plus the ledger row involved,
// whether newly inserted (Claimed) or pre-existing (AlreadyDone).
type ClaimResult struct {
	Status ClaimStatus
	Row    recurrence.Generation
}

// Ledger is the Dedupe Ledger contract. Implementations must make Claim
// linearizable with respect to any other Claim on the same (rule_id,
// period_start) — a unique constraint plus a single-row insert is a
// conforming implementation; cross-period concurrency is unrestricted.
type Ledger interface {
	// Claim inserts a ledger row for (ruleID, periodStart) if none exists,
	// returning Claimed; if one already exists it returns AlreadyDone with
	// the existing row (which may or may not be fulfilled yet).
	Claim(ctx context.Context, ruleID string, periodStart, periodEnd time.Time, label string) (ClaimResult, error)

	// Fulfill records the materialized target reference on a claimed row.
	// Called only after the target-factory has committed.
	Fulfill(ctx context.Context, ruleID string, periodStart time.Time, producedKind, producedID string) error

	// Release deletes the ledger row, allowing a future tick to reclaim
	// the period. Called on target-factory failure.
	Release(ctx context.Context, ruleID string, periodStart time.Time) error
}

// Memory is an in-process Ledger backed by a mutex-guarded map. It is used
// by unit tests; it satisfies the same
// linearizability contract as the persistent stores because all access is
// serialized through a single mutex.
type Memory struct {
	mu   sync.Mutex
	rows map[string]recurrence.Generation
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]recurrence.Generation)}
}

func key(ruleID string, periodStart time.Time) string {
	return ruleID + "|" + periodStart.UTC().Format(time.RFC3339Nano)
}

func (m *Memory) Claim(_ context.Context, ruleID string, periodStart, periodEnd time.Time, label string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(ruleID, periodStart)
	if existing, ok := m.rows[k]; ok {
		return ClaimResult{Status: AlreadyDone, Row: existing}, nil
	}

	row := recurrence.Generation{
		RuleID:      ruleID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		PeriodLabel: label,
		GeneratedAt: time.Now().UTC(),
	}
	m.rows[k] = row
	return ClaimResult{Status: Claimed, Row: row}, nil
}

func (m *Memory) Fulfill(_ context.Context, ruleID string, periodStart time.Time, producedKind, producedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(ruleID, periodStart)
	row, ok := m.rows[k]
	if !ok {
		return fmt.Errorf("%w: no claimed ledger row for rule %s period %s", domain.ErrNotFound, ruleID, periodStart)
	}
	row.ProducedKind = &producedKind
	row.ProducedID = &producedID
	m.rows[k] = row
	return nil
}

func (m *Memory) Release(_ context.Context, ruleID string, periodStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rows, key(ruleID, periodStart))
	return nil
}

// CountForRule returns the number of ledger rows for a rule, used by tests
// checking exactly-once materialization (spec §8 invariant 4).
func (m *Memory) CountForRule(ruleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.rows {
		if len(k) > len(ruleID) && k[:len(ruleID)] == ruleID && k[len(ruleID)] == '|' {
			n++
		}
	}
	return n
}
