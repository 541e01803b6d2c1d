// Package errors is the Error Classifier (spec §4.5): a deterministic
// function mapping a raised error to one of six fixed error classes.
package errors

import (
	"errors"
	"strings"
)

// Class is one of the six fixed error classes. Values travel as strings
// (persisted on StepAttempt and Execution rows), never as Go types.
type Class string

const (
	Transient            Class = "TRANSIENT"
	RateLimited          Class = "RATE_LIMITED"
	DependencyFailed     Class = "DEPENDENCY_FAILED"
	Retryable            Class = "RETRYABLE"
	NonRetryable          Class = "NON_RETRYABLE"
	CompensationRequired Class = "COMPENSATION_REQUIRED"
)

// Classified is a handler error that already carries its class, letting a
// handler bypass the text-matching heuristics below by raising a typed
// error directly (e.g. to signal COMPENSATION_REQUIRED, which the
// heuristics can never infer from a message).
type Classified struct {
	Class Class
	Err   error
}

func (c Classified) Error() string { return c.Err.Error() }
func (c Classified) Unwrap() error { return c.Err }

// WithClass wraps err so Classify reports the given class regardless of
// its message. Handlers use this to raise COMPENSATION_REQUIRED, which has
// no reliable textual signal.
func WithClass(class Class, err error) error {
	return Classified{Class: class, Err: err}
}

// signal is one entry in the fixed, ordered match list (spec §4.5). The
// list is walked top to bottom; the first match wins.
type signal struct {
	class    Class
	keywords []string
}

var signals = []signal{
	{Transient, []string{"timeout", "timed out", "deadline exceeded", "connection reset", "connection refused", "broken pipe", "network", "i/o timeout"}},
	{RateLimited, []string{"429", "rate limit", "rate-limited", "too many requests"}},
	{DependencyFailed, []string{"502", "503", "504", "bad gateway", "service unavailable", "gateway timeout", "database unavailable", "upstream"}},
	{NonRetryable, []string{"validation", "invalid input", "permission denied", "forbidden", "unauthorized", "400", "401", "403", "404", "422"}},
}

// Allowlist lets a step descriptor override the classifier with its own
// ordered signal list, without inventing new classes (spec §4.5). Entries
// are matched in order, same semantics as the default list;
// ClassifyWithOverride falls through to the default list whenever no
// Allowlist entry matches, including when the step passed none.
type Allowlist []struct {
	Class    Class
	Keywords []string
}

// Classify maps an error to a Class using the fixed, ordered match list.
// A nil error classifies as Retryable, the spec's "default when nothing
// else matches"; callers should not call Classify(nil) in practice since
// there is nothing to classify, but this keeps the function total.
func Classify(err error) Class {
	return ClassifyWithOverride(err, nil)
}

// ClassifyWithOverride is Classify, but consults an optional step-level
// override list before the fixed defaults.
func ClassifyWithOverride(err error, override Allowlist) Class {
	if err == nil {
		return Retryable
	}

	var classified Classified
	if errors.As(err, &classified) {
		return classified.Class
	}

	msg := strings.ToLower(err.Error())

	for _, entry := range override {
		for _, kw := range entry.Keywords {
			if strings.Contains(msg, strings.ToLower(kw)) {
				return entry.Class
			}
		}
	}

	for _, s := range signals {
		for _, kw := range s.keywords {
			if strings.Contains(msg, kw) {
				return s.class
			}
		}
	}

	return Retryable
}
