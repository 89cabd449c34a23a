package health

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
)

const (
	DefaultInterval = 2 * time.Second

	DefaultDatabaseAttempts = 30
	DefaultAppAttempts      = 60
)

// Gate polls a checker at a fixed interval until it passes or attempts run out.
// There is no backoff; start-up latency of the monitored services is bounded and known.
type Gate struct {
	Interval    time.Duration
	MaxAttempts int

	// Sleep waits between attempts. It must return early with an error if ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func NewGate(interval time.Duration, maxAttempts int) *Gate {
	return &Gate{
		Interval:    interval,
		MaxAttempts: maxAttempts,
	}
}

// AttemptsFor derives a maximum attempt count from a time budget.
func AttemptsFor(budget, interval time.Duration) int {
	if interval <= 0 || budget <= 0 {
		return 1
	}
	attempts := int(budget / interval)
	if budget%interval != 0 {
		attempts++
	}
	return attempts
}

// Wait returns a passing report as soon as one probe succeeds. When all attempts
// fail it returns the report together with a HealthCheckTimeout error.
func (g *Gate) Wait(ctx context.Context, name string, checker Checker) (Report, error) {
	now := g.Now
	if now == nil {
		now = time.Now
	}
	sleep := g.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	interval := g.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := g.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	report := Report{
		Name:        name,
		MaxAttempts: maxAttempts,
	}
	started := now()

	log.Infof("Waiting for %s to become healthy (%s, %d attempts every %s)...", name, checker, maxAttempts, interval)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result := checker.Check(ctx)
		report.Attempts = attempt
		report.Last = result
		report.Elapsed = now().Sub(started)

		if result.Err != nil {
			return report, result.Err
		}

		if result.Healthy {
			report.Passed = true
			log.Infof("%s is healthy after %d attempt(s) (%s)", name, attempt, report.Elapsed.Round(time.Millisecond))
			return report, nil
		}

		log.WithFields(log.Fields{
			"attempt": attempt,
			"max":     maxAttempts,
		}).Debugf("%s not healthy yet: %s", name, result.Message)

		if attempt == maxAttempts {
			break
		}

		err := sleep(ctx, interval)
		if err != nil {
			report.Elapsed = now().Sub(started)
			return report, deployerr.Errorf(deployerr.Timeout, "waiting for %s: %w", name, err)
		}
	}

	return report, deployerr.Errorf(deployerr.HealthCheckTimeout,
		"%s did not become healthy after %d attempts (%s); last result: %s",
		name, report.Attempts, report.Elapsed.Round(time.Second), report.Last.Message,
	)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
