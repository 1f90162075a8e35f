package agent

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Backoff schedule for provider retries: 500ms doubling per attempt, with
// ±25% jitter so synchronised retries fan out.
const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	jitterRatio   = 0.25
)

// httpStatuser is matched against the provider error chain to read the HTTP
// status without depending on the adapter package.
type httpStatuser interface {
	HTTPStatus() int
}

// failureClass buckets a provider error for retry policy.
type failureClass int

const (
	failurePermanent failureClass = iota
	failureTimeout
	failureRateLimit
	failureServer
	failureTransport
)

func classifyFailure(err error) failureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failureTimeout
	}

	var statuser httpStatuser
	if errors.As(err, &statuser) {
		switch status := statuser.HTTPStatus(); {
		case status == 429:
			return failureRateLimit
		case status >= 500:
			return failureServer
		case status > 0:
			// Auth failures, bad requests, and other 4xx never heal on
			// retry.
			return failurePermanent
		default:
			return failureTransport
		}
	}
	return failureTransport
}

// ShouldRetry reports whether a provider error is retryable under the
// project's failover flags. Permanent failures are never retried.
func ShouldRetry(err error, cfg models.FailoverConfig) bool {
	switch classifyFailure(err) {
	case failureTimeout:
		return cfg.OnTimeout
	case failureRateLimit:
		return cfg.OnRateLimit
	case failureServer, failureTransport:
		return cfg.OnServerError
	default:
		return false
	}
}

// BackoffDelay returns the sleep before retry attempt n (0-based), jittered.
func BackoffDelay(attempt int, rng *rand.Rand) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= backoffFactor
	}
	jitter := 1 - jitterRatio + 2*jitterRatio*rng.Float64()
	return time.Duration(float64(d) * jitter)
}

// TurnDeadline computes the wall-clock budget for one turn: the larger of
// the configured turn duration and the per-call timeout times the worst-case
// attempt count, so a fully retried call cannot be cut off mid-backoff.
func TurnDeadline(maxDurationMinutes int, failover models.FailoverConfig) time.Duration {
	turn := time.Duration(maxDurationMinutes) * time.Minute
	if turn <= 0 {
		turn = 5 * time.Minute
	}
	perCall := time.Duration(failover.TimeoutMs) * time.Millisecond
	if perCall > 0 {
		worst := perCall * time.Duration(failover.MaxRetries+1)
		if worst > turn {
			return worst
		}
	}
	return turn
}
