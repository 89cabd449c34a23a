// Package health decides when a service is ready to receive traffic.
package health

import (
	"context"
	"time"
)

// Result is the outcome of a single probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration

	// Err is set when the probe could not be run at all, e.g. the connection
	// to the host was lost. Such errors end a gate immediately.
	Err error
}

// Checker is a readiness probe.
type Checker interface {
	Check(ctx context.Context) Result
	String() string
}

// Report summarizes a gate. It is created when the gate starts and discarded
// once the pass/fail decision is made.
type Report struct {
	Name        string        `json:"name"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Elapsed     time.Duration `json:"elapsed"`
	Passed      bool          `json:"passed"`
	Last        Result        `json:"-"`
}
