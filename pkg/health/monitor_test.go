package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate/mailgate/pkg/circuitbreaker"
)

func TestCheckNowTransitions(t *testing.T) {
	var failing atomic.Bool
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name: "imap",
		Check: func(context.Context) error {
			if failing.Load() {
				return errors.New("timeout")
			}
			return nil
		},
	})

	hm.CheckNow(context.Background())
	assert.True(t, hm.IsHealthy("imap"))
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())

	// 1 failure out of 3 checks: degraded.
	hm.CheckNow(context.Background())
	failing.Store(true)
	hm.CheckNow(context.Background())
	status, ok := hm.GetCheckStatus("imap")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())

	// 2 of 4: unhealthy, but not critical so overall is only degraded.
	hm.CheckNow(context.Background())
	assert.True(t, hm.IsUnhealthy("imap"))
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())

	failing.Store(false)
	hm.CheckNow(context.Background())
	assert.True(t, hm.IsHealthy("imap"))
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
}

func TestCriticalFailureMakesOverallUnhealthy(t *testing.T) {
	online := false
	hm := NewHealthMonitor()
	hm.RegisterCheck(NewXMPPCheck(func() bool { return online }))

	hm.CheckNow(context.Background())
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	reports := hm.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "xmpp", reports[0].Name)
	assert.Equal(t, ErrNotOnline.Error(), reports[0].LastError)

	online = true
	hm.CheckNow(context.Background())
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
	assert.Empty(t, hm.Reports()[0].LastError)
}

func TestPanickingCheck(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:     "smtp",
		Critical: true,
		Check:    func(context.Context) error { panic("nil relay") },
	})
	hm.CheckNow(context.Background())
	assert.True(t, hm.IsUnhealthy("smtp"))
}

func TestStatusCallbackAndPeriodicRun(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:     "xmpp",
		Interval: 5 * time.Millisecond,
		Check:    func(context.Context) error { return nil },
	})
	changes := make(chan ComponentStatus, 4)
	hm.AddStatusCallback(func(name string, status ComponentStatus) {
		changes <- status
	})

	hm.Start(context.Background())
	defer hm.Stop()

	select {
	case s := <-changes:
		assert.Equal(t, StatusHealthy, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no status callback")
	}
}

func TestUnknownCheck(t *testing.T) {
	hm := NewHealthMonitor()
	status, ok := hm.GetCheckStatus("nope")
	assert.False(t, ok)
	assert.Equal(t, StatusUnreachable, status)
}

func TestIMAPCheck(t *testing.T) {
	var last time.Time
	check := NewIMAPCheck(func() time.Time { return last }, time.Hour)

	assert.ErrorIs(t, check.Check(context.Background()), ErrNeverSynced)

	last = time.Now().Add(-2 * time.Hour)
	assert.ErrorIs(t, check.Check(context.Background()), ErrSyncStale)

	last = time.Now()
	assert.NoError(t, check.Check(context.Background()))
}

func TestSMTPCheck(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Timeout:     200 * time.Millisecond,
		ReadyToTrip: circuitbreaker.TripAfterConsecutiveFailures(1),
	})
	check := NewSMTPCheck(cb)
	assert.NoError(t, check.Check(context.Background()))

	_ = cb.Run(context.Background(), func(context.Context) error { return errors.New("421") })
	assert.ErrorIs(t, check.Check(context.Background()), circuitbreaker.ErrCircuitBreakerOpen)

	require.Eventually(t, func() bool { return cb.State() == circuitbreaker.StateHalfOpen }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusDegraded, NewCircuitBreakerHealthAdapter(cb).GetStatus())
	assert.NoError(t, check.Check(context.Background()))
}
