package readiness

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

// CheckFunc attempts a single readiness check. A successful check may return
// a transport resource (connection, socket, database pool) that was opened
// purely to prove reachability; the orchestrator closes it before the next
// probe runs.
type CheckFunc func(ctx context.Context) (io.Closer, error)

// Probe is one readiness condition against a dependent subsystem. Retryable
// decides whether a check error is expected during the startup window; errors
// outside that set propagate immediately without consuming further attempts.
// A nil Retryable treats nothing as retryable.
type Probe struct {
	Name      string
	Check     CheckFunc
	Retryable func(error) bool
}

// Budget bounds the retry loop for a single probe. The same budget applies
// uniformly to every probe in a pass.
type Budget struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultBudget allows roughly sixty seconds per subsystem.
var DefaultBudget = Budget{MaxAttempts: 600, Interval: 100 * time.Millisecond}

// Result records how one probe concluded.
type Result struct {
	Probe    string
	Attempts int
	Elapsed  time.Duration
}

// TimeoutError reports a probe that never became ready within its budget.
type TimeoutError struct {
	Probe    string
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("readiness: %s not ready after %d attempts: %v", e.Probe, e.Attempts, e.Last)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// AwaitReady runs the probes strictly in declared order, one at a time. Later
// probes may assume the subsystems of earlier ones are already serving. If a
// probe exhausts the budget the remaining probes are not attempted and a
// *TimeoutError naming the probe is returned. Results for probes that
// completed are returned either way. Re-invoking after a failure repeats the
// identical sequence from the start.
func AwaitReady(ctx context.Context, probes []Probe, budget Budget) ([]Result, error) {
	results := make([]Result, 0, len(probes))
	for _, p := range probes {
		log.Info().Str("probe", p.Name).Msg("waiting for subsystem")
		start := time.Now()
		attempts, err := awaitOne(ctx, p, budget)
		if err != nil {
			return results, err
		}
		res := Result{Probe: p.Name, Attempts: attempts, Elapsed: time.Since(start)}
		results = append(results, res)
		log.Info().
			Str("probe", p.Name).
			Int("attempts", res.Attempts).
			Dur("elapsed", res.Elapsed).
			Msg("subsystem ready")
	}
	return results, nil
}

func awaitOne(ctx context.Context, p Probe, budget Budget) (int, error) {
	var last error
	for attempt := 1; attempt <= budget.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		res, err := p.Check(ctx)
		if err == nil {
			if res != nil {
				if cerr := res.Close(); cerr != nil {
					log.Debug().Err(cerr).Str("probe", p.Name).Msg("probe resource close failed")
				}
			}
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return attempt, fmt.Errorf("probe %s: %w", p.Name, err)
		}
		last = err
		log.Debug().
			Err(err).
			Str("probe", p.Name).
			Int("attempt", attempt).
			Int("max_attempts", budget.MaxAttempts).
			Msg("subsystem not ready yet")
		if attempt < budget.MaxAttempts {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(budget.Interval):
			}
		}
	}
	return budget.MaxAttempts, &TimeoutError{Probe: p.Name, Attempts: budget.MaxAttempts, Last: last}
}
