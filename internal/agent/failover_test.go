package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

type statusErr struct{ status int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e statusErr) HTTPStatus() int { return e.status }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestShouldRetry(t *testing.T) {
	all := models.FailoverConfig{OnTimeout: true, OnRateLimit: true, OnServerError: true}

	tests := []struct {
		name string
		err  error
		cfg  models.FailoverConfig
		want bool
	}{
		{"server error with flag", statusErr{503}, all, true},
		{"server error without flag", statusErr{503}, models.FailoverConfig{OnTimeout: true}, false},
		{"rate limit with flag", statusErr{429}, all, true},
		{"rate limit without flag", statusErr{429}, models.FailoverConfig{OnServerError: true}, false},
		{"auth failure never retries", statusErr{401}, all, false},
		{"bad request never retries", statusErr{400}, all, false},
		{"deadline with flag", context.DeadlineExceeded, all, true},
		{"deadline without flag", context.DeadlineExceeded, models.FailoverConfig{OnServerError: true}, false},
		{"net timeout", timeoutErr{}, all, true},
		{"bare transport error", errors.New("connection refused"), all, true},
		{"bare transport error without flag", errors.New("connection refused"), models.FailoverConfig{OnTimeout: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.err, tt.cfg); got != tt.want {
				t.Errorf("ShouldRetry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffDelay_DoublesWithJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for attempt, base := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second} {
		for i := 0; i < 50; i++ {
			d := BackoffDelay(attempt, rng)
			lo := time.Duration(float64(base) * 0.75)
			hi := time.Duration(float64(base) * 1.25)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestTurnDeadline(t *testing.T) {
	// Default five minutes.
	if got := TurnDeadline(0, models.FailoverConfig{}); got != 5*time.Minute {
		t.Errorf("default = %v, want 5m", got)
	}
	// Explicit duration wins when larger than the retry worst case.
	if got := TurnDeadline(10, models.FailoverConfig{TimeoutMs: 1000, MaxRetries: 2}); got != 10*time.Minute {
		t.Errorf("explicit = %v, want 10m", got)
	}
	// The retry worst case stretches a short turn budget.
	got := TurnDeadline(1, models.FailoverConfig{TimeoutMs: 30000, MaxRetries: 3})
	if got != 120*time.Second {
		t.Errorf("stretched = %v, want 2m", got)
	}
}
