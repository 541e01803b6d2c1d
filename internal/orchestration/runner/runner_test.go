package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proservcore/engine/internal/orchestration/definition"
	orcherrors "github.com/proservcore/engine/internal/orchestration/errors"
)

func TestRun_HandlerMissing(t *testing.T) {
	reg := NewRegistry()
	r := New(reg)

	result := r.Run(context.Background(), definition.Step{Code: "ghost", Handler: "nope"}, nil, 1, 1000)
	assert.Equal(t, OutcomeHandlerMissing, result.Outcome)
	assert.Equal(t, orcherrors.NonRetryable, result.ErrorClass)
}

func TestRun_Succeeds(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	r := New(reg)

	result := r.Run(context.Background(), definition.Step{Code: "s", Handler: "echo"}, nil, 1, 1000)
	require.Equal(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, true, result.Attempt.Output["ok"])
}

func TestRun_TransientErrorSchedulesRetry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("flaky", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("connection reset by peer")
	})
	r := New(reg)

	result := r.Run(context.Background(), definition.Step{Code: "s", Handler: "flaky"}, nil, 1, 1000)
	assert.Equal(t, OutcomeScheduledRetry, result.Outcome)
	assert.Equal(t, orcherrors.Transient, result.ErrorClass)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestRun_NonRetryableFailsPermanentlyOnFirstAttempt(t *testing.T) {
	reg := NewRegistry()
	reg.Register("bad_input", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("validation failed: missing field")
	})
	r := New(reg)

	result := r.Run(context.Background(), definition.Step{Code: "s", Handler: "bad_input"}, nil, 1, 1000)
	assert.Equal(t, OutcomeFailedPermanent, result.Outcome)
	assert.Equal(t, orcherrors.NonRetryable, result.ErrorClass)
}

func TestRun_ExhaustingRetriesFailsPermanently(t *testing.T) {
	reg := NewRegistry()
	reg.Register("flaky", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("i/o timeout")
	})
	r := New(reg)

	// default TRANSIENT policy allows max_attempts=3; attempt 3 is the last.
	result := r.Run(context.Background(), definition.Step{Code: "s", Handler: "flaky"}, nil, 3, 1000)
	assert.Equal(t, OutcomeFailedPermanent, result.Outcome)
}

func TestRun_CompensationRequiredNeverRetries(t *testing.T) {
	reg := NewRegistry()
	reg.Register("charge", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, orcherrors.WithClass(orcherrors.CompensationRequired, errors.New("card already captured"))
	})
	r := New(reg)

	result := r.Run(context.Background(), definition.Step{Code: "s", Handler: "charge"}, nil, 1, 1000)
	assert.Equal(t, OutcomeCompensationReq, result.Outcome)
}

func TestRun_PanicRecoveredAsTransientFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register("oops", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		panic("boom")
	})
	r := New(reg)

	result := r.Run(context.Background(), definition.Step{Code: "s", Handler: "oops"}, nil, 1, 1000)
	assert.NotEqual(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, orcherrors.Transient, result.ErrorClass)
	assert.Contains(t, result.ErrorSummary, "panicked")
}

func TestRun_TimeoutClassifiesAsTransient(t *testing.T) {
	reg := NewRegistry()
	reg.Register("slow", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := New(reg)

	result := r.Run(context.Background(), definition.Step{Code: "s", Handler: "slow"}, nil, 1, 20)
	assert.NotEqual(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, orcherrors.Transient, result.ErrorClass)
}

func TestRun_StepAllowlistConsultedBeforeDefaultSignals(t *testing.T) {
	reg := NewRegistry()
	reg.Register("refund", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("payment already captured, refund needed")
	})
	r := New(reg)

	step := definition.Step{
		Code:    "s",
		Handler: "refund",
		ClassifyAllowlist: orcherrors.Allowlist{
			{Class: orcherrors.CompensationRequired, Keywords: []string{"refund needed"}},
		},
	}

	result := r.Run(context.Background(), step, nil, 1, 1000)
	assert.Equal(t, OutcomeCompensationReq, result.Outcome)
	assert.Equal(t, orcherrors.CompensationRequired, result.ErrorClass)
}

func TestRun_StepAllowlistIgnoredWhenEmpty(t *testing.T) {
	reg := NewRegistry()
	reg.Register("flaky", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("connection reset by peer")
	})
	r := New(reg)

	result := r.Run(context.Background(), definition.Step{Code: "s", Handler: "flaky"}, nil, 1, 1000)
	assert.Equal(t, orcherrors.Transient, result.ErrorClass)
}

func TestWithRNGSeed_ProducesDeterministicRetryJitter(t *testing.T) {
	reg := NewRegistry()
	reg.Register("flaky", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("connection reset by peer")
	})
	step := definition.Step{Code: "s", Handler: "flaky"}

	r1 := New(reg, WithRNGSeed(42))
	r2 := New(reg, WithRNGSeed(42))

	result1 := r1.Run(context.Background(), step, nil, 1, 1000)
	result2 := r2.Run(context.Background(), step, nil, 1, 1000)

	require.Equal(t, OutcomeScheduledRetry, result1.Outcome)
	require.Equal(t, OutcomeScheduledRetry, result2.Outcome)
	assert.Equal(t, result1.RetryAfter, result2.RetryAfter)
}
