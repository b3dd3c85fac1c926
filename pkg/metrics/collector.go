package metrics

import (
	"context"
	"time"

	"github.com/mailgate/mailgate/logger"
)

// Stats is a point-in-time snapshot of gateway state that is not naturally
// event-driven.
type Stats struct {
	XMPPState    int
	WatermarkUID uint32
	StartedAt    time.Time
}

// StatsProvider returns the current Stats.
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}

// Collector periodically copies Stats into gauges
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Debug("[METRICS] collector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.Stats(ctx)
	if err != nil {
		logger.Warn("[METRICS] failed to collect stats", "error", err)
		return
	}

	XMPPState.Set(float64(stats.XMPPState))
	WatermarkUID.Set(float64(stats.WatermarkUID))
	if !stats.StartedAt.IsZero() {
		UptimeSeconds.Set(time.Since(stats.StartedAt).Seconds())
	}
}
