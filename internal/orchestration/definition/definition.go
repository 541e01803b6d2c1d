// Package definition is the Workflow Definition Store's type layer (spec
// §3, §4.7): versioned, immutable-once-published step graphs.
package definition

import (
	"fmt"
	"sort"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration/errors"
	"github.com/proservcore/engine/internal/orchestration/retry"
)

// Status is a WorkflowDefinition's lifecycle state.
type Status string

const (
	Draft      Status = "draft"
	Published  Status = "published"
	Deprecated Status = "deprecated"
)

// Step is one step descriptor in a WorkflowDefinition (spec §4.7).
type Step struct {
	Code                string
	Handler             string
	DependsOn           []string
	CompensationHandler string // empty if none

	RetryOnClasses []errors.Class // empty = use DefaultPolicyFor(class) per occurring class
	MaxAttempts    int            // 0 = use default for the step's error class
	Backoff        retry.Backoff  // zero value = use default
	TimeoutMS      int64
	SafeToRetry *bool // nil = default true; see retry.Policy.Effective

	// ClassifyAllowlist overrides the error classifier's fixed keyword
	// list for this step only, consulted before the default signals.
	// Empty means the step has no special-cased error text and the
	// classifier's defaults apply unmodified.
	ClassifyAllowlist errors.Allowlist
}

// RetryPolicy builds the effective retry.Policy for this step given the
// error class that occurred on the current attempt. Per-class defaults
// fill in anything the step descriptor left unset.
func (s Step) RetryPolicy(class errors.Class) retry.Policy {
	p := retry.DefaultPolicyFor(class)

	if len(s.RetryOnClasses) > 0 {
		set := make(map[errors.Class]bool, len(s.RetryOnClasses))
		for _, c := range s.RetryOnClasses {
			set[c] = true
		}
		p.RetryOnClasses = set
	}
	if s.MaxAttempts > 0 {
		p.MaxAttempts = s.MaxAttempts
	}
	if s.Backoff != (retry.Backoff{}) {
		p.Backoff = s.Backoff
	}
	p.SafeToRetry = true
	if s.SafeToRetry != nil {
		p.SafeToRetry = *s.SafeToRetry
	}
	return p
}

// Policies holds workflow-wide defaults (spec §3).
type Policies struct {
	DefaultTimeoutMS        int64
	DefaultRetry            retry.Policy
	MaxConcurrencyPerTenant int // 0 = unlimited
}

// Definition is a WorkflowDefinition (spec §3).
type Definition struct {
	ID      string
	TenantID domain.TenantID
	Code    string
	Version int

	Status Status
	Steps  []Step

	Policies Policies

	InputSchema  Schema
	OutputSchema Schema

	// OutputMapping is the closed projection from step outputs to the
	// execution's final output (spec §4.9): keys are output field names,
	// values are "step_code.field" or "step_code" (whole output).
	OutputMapping map[string]string
}

// StepByCode returns the step with the given code and whether it exists.
func (d Definition) StepByCode(code string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Code == code {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks structural well-formedness: unique step codes, no
// dangling depends_on references, and no dependency cycle (a topological
// order must exist), per spec §4.7.
func (d Definition) Validate() error {
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Code == "" {
			return fmt.Errorf("%w: step with empty code", domain.ErrBadDefinition)
		}
		if seen[s.Code] {
			return fmt.Errorf("%w: duplicate step code %q", domain.ErrBadDefinition, s.Code)
		}
		seen[s.Code] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %q depends_on unknown step %q", domain.ErrBadDefinition, s.Code, dep)
			}
		}
	}
	if _, err := TopologicalOrder(d.Steps); err != nil {
		return err
	}
	if err := d.InputSchema.Validate(); err != nil {
		return fmt.Errorf("%w: input_schema: %v", domain.ErrBadDefinition, err)
	}
	if err := d.OutputSchema.Validate(); err != nil {
		return fmt.Errorf("%w: output_schema: %v", domain.ErrBadDefinition, err)
	}
	return nil
}

// TopologicalOrder returns the steps in an order that respects depends_on,
// or domain.ErrBadDefinition if the dependency graph has a cycle.
func TopologicalOrder(steps []Step) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.Code]; !ok {
			indegree[s.Code] = 0
		}
		for _, dep := range s.DependsOn {
			indegree[s.Code]++
			dependents[dep] = append(dependents[dep], s.Code)
		}
	}

	var ready []string
	for code, deg := range indegree {
		if deg == 0 {
			ready = append(ready, code)
		}
	}
	sort.Strings(ready) // deterministic tie-break

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		code := ready[0]
		ready = ready[1:]
		order = append(order, code)
		for _, dependent := range dependents[code] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, fmt.Errorf("%w: dependency cycle detected among steps", domain.ErrBadDefinition)
	}
	return order, nil
}
