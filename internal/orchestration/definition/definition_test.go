package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proservcore/engine/internal/domain"
)

func sampleSteps() []Step {
	return []Step{
		{Code: "charge", Handler: "charge_card"},
		{Code: "notify", Handler: "send_email", DependsOn: []string{"charge"}},
		{Code: "reconcile", Handler: "reconcile_ledger", DependsOn: []string{"charge", "notify"}},
	}
}

func TestTopologicalOrder_RespectsDependsOn(t *testing.T) {
	order, err := TopologicalOrder(sampleSteps())
	require.NoError(t, err)
	assert.Equal(t, []string{"charge", "notify", "reconcile"}, order)
}

func TestTopologicalOrder_DeterministicTieBreak(t *testing.T) {
	steps := []Step{
		{Code: "b"},
		{Code: "a"},
		{Code: "c"},
	}
	order, err := TopologicalOrder(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopologicalOrder_DetectsCycle(t *testing.T) {
	steps := []Step{
		{Code: "a", DependsOn: []string{"b"}},
		{Code: "b", DependsOn: []string{"a"}},
	}
	_, err := TopologicalOrder(steps)
	assert.ErrorIs(t, err, domain.ErrBadDefinition)
}

func TestDefinitionValidate_RejectsDuplicateStepCode(t *testing.T) {
	d := Definition{Steps: []Step{{Code: "a"}, {Code: "a"}}}
	assert.ErrorIs(t, d.Validate(), domain.ErrBadDefinition)
}

func TestDefinitionValidate_RejectsDanglingDependsOn(t *testing.T) {
	d := Definition{Steps: []Step{{Code: "a", DependsOn: []string{"ghost"}}}}
	assert.ErrorIs(t, d.Validate(), domain.ErrBadDefinition)
}

func TestDefinitionValidate_AcceptsWellFormedGraph(t *testing.T) {
	d := Definition{Steps: sampleSteps()}
	assert.NoError(t, d.Validate())
}

func TestStepByCode(t *testing.T) {
	d := Definition{Steps: sampleSteps()}
	step, ok := d.StepByCode("notify")
	require.True(t, ok)
	assert.Equal(t, "send_email", step.Handler)

	_, ok = d.StepByCode("missing")
	assert.False(t, ok)
}

func TestStepRetryPolicy_SafeToRetryFalseOverridesDefault(t *testing.T) {
	no := false
	step := Step{Code: "charge", SafeToRetry: &no}
	policy := step.RetryPolicy("TRANSIENT").Effective()
	assert.Equal(t, 1, policy.MaxAttempts)
}

func TestStepRetryPolicy_ExplicitMaxAttemptsOverridesDefault(t *testing.T) {
	step := Step{Code: "charge", MaxAttempts: 7}
	policy := step.RetryPolicy("TRANSIENT")
	assert.Equal(t, 7, policy.MaxAttempts)
}
