package gateway

import (
	"time"

	"github.com/mailgate/mailgate/pkg/circuitbreaker"
	"github.com/mailgate/mailgate/pkg/health"
	"github.com/mailgate/mailgate/server/imapsync"
	"github.com/mailgate/mailgate/server/xmpp"
)

// RegisterHealthChecks adds the xmpp, imap and smtp checks. The imap check
// allows two idle periods between successful syncs.
func RegisterHealthChecks(hm *health.HealthMonitor, transport *xmpp.Transport, sync *imapsync.Synchronizer, breaker *circuitbreaker.CircuitBreaker, idleTimeout time.Duration) {
	hm.RegisterCheck(health.NewXMPPCheck(transport.Online))
	hm.RegisterCheck(health.NewIMAPCheck(sync.LastSuccess, 2*idleTimeout))
	if breaker != nil {
		hm.RegisterCheck(health.NewSMTPCheck(breaker))
	}
}
