package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_OrderedSignals(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"timeout wins over later signals", errors.New("context deadline exceeded while calling upstream"), Transient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), Transient},
		{"rate limited", errors.New("received 429 too many requests"), RateLimited},
		{"dependency failed", errors.New("upstream responded 503 service unavailable"), DependencyFailed},
		{"non retryable validation", errors.New("validation failed: missing field \"email\""), NonRetryable},
		{"forbidden", errors.New("403 forbidden: insufficient scope"), NonRetryable},
		{"unmatched falls back to retryable", errors.New("something odd happened"), Retryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// Message contains both a Transient keyword ("timeout") and a
	// NonRetryable keyword ("403"); Transient is earlier in the signal
	// list and must win.
	err := errors.New("request timeout (403 forbidden downstream)")
	assert.Equal(t, Transient, Classify(err))
}

func TestClassify_NilIsRetryable(t *testing.T) {
	assert.Equal(t, Retryable, Classify(nil))
}

func TestClassify_CompensationRequiredHasNoTextualSignal(t *testing.T) {
	// No keyword list can ever produce COMPENSATION_REQUIRED; it is only
	// reachable via the explicit escape hatch.
	err := errors.New("payment already captured, refund needed")
	assert.NotEqual(t, CompensationRequired, Classify(err))

	wrapped := WithClass(CompensationRequired, err)
	assert.Equal(t, CompensationRequired, Classify(wrapped))
}

func TestClassify_WithClassSurvivesWrapping(t *testing.T) {
	base := WithClass(NonRetryable, errors.New("bad state"))
	wrapped := errors.Join(base, errors.New("while processing step"))
	// errors.As must find the Classified value through Join's tree.
	assert.Equal(t, NonRetryable, Classify(wrapped))
}

func TestClassifyWithOverride_StepAllowlistConsultedFirst(t *testing.T) {
	override := Allowlist{
		{Class: CompensationRequired, Keywords: []string{"refund needed"}},
	}
	err := errors.New("payment already captured, refund needed")
	assert.Equal(t, CompensationRequired, ClassifyWithOverride(err, override))
}

func TestClassifyWithOverride_FallsBackWhenAllowlistMisses(t *testing.T) {
	override := Allowlist{
		{Class: CompensationRequired, Keywords: []string{"no such phrase"}},
	}
	err := errors.New("received 429 too many requests")
	assert.Equal(t, RateLimited, ClassifyWithOverride(err, override))
}
