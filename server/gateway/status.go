package gateway

import (
	"context"
	"time"

	"github.com/mailgate/mailgate/pkg/circuitbreaker"
	"github.com/mailgate/mailgate/pkg/metrics"
	"github.com/mailgate/mailgate/server/imapsync"
	"github.com/mailgate/mailgate/server/xmpp"
)

// Snapshot is the JSON body of the status endpoint.
type Snapshot struct {
	StartedAt time.Time       `json:"started_at"`
	Uptime    string          `json:"uptime"`
	XMPP      string          `json:"xmpp_state"`
	SMTP      string          `json:"smtp_breaker"`
	IMAP      imapsync.Status `json:"imap"`
}

// Status gathers runtime state from the running components. It feeds the
// metrics collector and the status API.
type Status struct {
	transport *xmpp.Transport
	sync      *imapsync.Synchronizer
	breaker   *circuitbreaker.CircuitBreaker
	startedAt time.Time
}

func NewStatus(transport *xmpp.Transport, sync *imapsync.Synchronizer, breaker *circuitbreaker.CircuitBreaker) *Status {
	return &Status{
		transport: transport,
		sync:      sync,
		breaker:   breaker,
		startedAt: time.Now(),
	}
}

func (s *Status) StartedAt() time.Time {
	return s.startedAt
}

func (s *Status) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		XMPP:      s.transport.State().String(),
		IMAP:      s.sync.Status(),
	}
	if s.breaker != nil {
		snap.SMTP = s.breaker.State().String()
	}
	return snap
}

// Stats implements metrics.StatsProvider.
func (s *Status) Stats(ctx context.Context) (*metrics.Stats, error) {
	return &metrics.Stats{
		XMPPState:    int(s.transport.State()),
		WatermarkUID: s.sync.Status().Watermark,
		StartedAt:    s.startedAt,
	}, nil
}
