package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type mockStatsProvider struct {
	stats *Stats
	err   error
}

func (m *mockStatsProvider) Stats(ctx context.Context) (*Stats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func TestCollectorUpdatesGauges(t *testing.T) {
	XMPPState.Set(0)
	WatermarkUID.Set(0)

	provider := &mockStatsProvider{
		stats: &Stats{XMPPState: 3, WatermarkUID: 4711, StartedAt: time.Now().Add(-time.Minute)},
	}

	collector := NewCollector(provider, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()
	<-done

	assert.Equal(t, float64(3), testutil.ToFloat64(XMPPState))
	assert.Equal(t, float64(4711), testutil.ToFloat64(WatermarkUID))
	assert.GreaterOrEqual(t, testutil.ToFloat64(UptimeSeconds), 59.0)
}

func TestCollectorWithError(t *testing.T) {
	WatermarkUID.Set(7)
	provider := &mockStatsProvider{err: errors.New("unavailable")}

	collector := NewCollector(provider, 20*time.Millisecond)
	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	collector.Stop()
	<-done

	assert.Equal(t, float64(7), testutil.ToFloat64(WatermarkUID), "errors leave gauges untouched")
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	collector := NewCollector(&mockStatsProvider{stats: &Stats{}}, 0)
	assert.Equal(t, 15*time.Second, collector.interval)
}
