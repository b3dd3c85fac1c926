package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailgate/mailgate/pkg/circuitbreaker"
)

var (
	ErrNotOnline   = errors.New("chat component is not online")
	ErrSyncStale   = errors.New("no mailbox sync finished recently")
	ErrNeverSynced = errors.New("mailbox has not been synced yet")
)

// NewXMPPCheck reports unhealthy while the component session is not online.
func NewXMPPCheck(online func() bool) *HealthCheck {
	return &HealthCheck{
		Name:     "xmpp",
		Interval: 15 * time.Second,
		Timeout:  time.Second,
		Critical: true,
		Check: func(ctx context.Context) error {
			if !online() {
				return ErrNotOnline
			}
			return nil
		},
	}
}

// NewIMAPCheck fails when the last successful sync is older than maxAge.
// With IDLE a healthy mailbox syncs at least once per idle timeout.
func NewIMAPCheck(lastSync func() time.Time, maxAge time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     "imap",
		Interval: time.Minute,
		Timeout:  time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			last := lastSync()
			if last.IsZero() {
				return ErrNeverSynced
			}
			if age := time.Since(last); age > maxAge {
				return fmt.Errorf("%w: last sync %s ago", ErrSyncStale, age.Truncate(time.Second))
			}
			return nil
		},
	}
}

// NewSMTPCheck fails while the relay breaker is open.
func NewSMTPCheck(breaker *circuitbreaker.CircuitBreaker) *HealthCheck {
	adapter := NewCircuitBreakerHealthAdapter(breaker)
	return &HealthCheck{
		Name:     "smtp",
		Interval: 15 * time.Second,
		Timeout:  time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			if adapter.GetStatus() == StatusUnhealthy {
				counts := breaker.Counts()
				return fmt.Errorf("%w (failures: %d)", circuitbreaker.ErrCircuitBreakerOpen, counts.ConsecutiveFailures)
			}
			return nil
		},
	}
}

type CircuitBreakerHealthAdapter struct {
	breaker *circuitbreaker.CircuitBreaker
}

func NewCircuitBreakerHealthAdapter(breaker *circuitbreaker.CircuitBreaker) *CircuitBreakerHealthAdapter {
	return &CircuitBreakerHealthAdapter{breaker: breaker}
}

func (cb *CircuitBreakerHealthAdapter) GetStatus() ComponentStatus {
	switch cb.breaker.State() {
	case circuitbreaker.StateClosed:
		counts := cb.breaker.Counts()
		if counts.Requests > 0 && counts.TotalFailures > 0 {
			if float64(counts.TotalFailures)/float64(counts.Requests) > 0.2 {
				return StatusDegraded
			}
		}
		return StatusHealthy
	case circuitbreaker.StateHalfOpen:
		return StatusDegraded
	case circuitbreaker.StateOpen:
		return StatusUnhealthy
	default:
		return StatusUnreachable
	}
}
