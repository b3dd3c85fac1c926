// Package smtpsink submits outgoing mail to the configured SMTP relay.
package smtpsink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailgate/mailgate/config"
	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/circuitbreaker"
	"github.com/mailgate/mailgate/pkg/metrics"
	"github.com/mailgate/mailgate/pkg/retry"
)

const (
	defaultCommandTimeout    = time.Minute
	defaultSubmissionTimeout = 5 * time.Minute
)

var ErrNoRecipients = errors.New("no recipients")

// RelayError tells whether the relay refused the message for good (5xx)
// or the failure may clear up on its own (4xx, network).
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a 5xx reply.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// Sender delivers messages through one SMTP relay. Connections are not
// pooled: chat-to-mail traffic is sparse.
type Sender struct {
	cfg     config.SMTPConfig
	breaker *circuitbreaker.CircuitBreaker
	dial    retry.BackoffConfig
}

func New(cfg config.SMTPConfig) *Sender {
	threshold := cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	settings := circuitbreaker.DefaultSettings("smtp", uint32(threshold), cfg.GetCircuitBreakerTimeoutWithDefault())
	// A rejected recipient says nothing about the relay's health.
	settings.IsSuccessful = func(err error) bool {
		return err == nil || IsPermanentError(err)
	}
	return &Sender{
		cfg:     cfg,
		breaker: circuitbreaker.NewCircuitBreaker(settings),
		dial: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      2,
		},
	}
}

func (s *Sender) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// Send submits msg for the given envelope.
func (s *Sender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if len(to) == 0 {
		return &RelayError{Err: ErrNoRecipients, Permanent: true}
	}

	start := time.Now()
	err := s.breaker.Run(ctx, func(ctx context.Context) error {
		return s.send(ctx, from, to, msg)
	})
	metrics.SMTPDeliveryDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.SMTPDeliveriesTotal.WithLabelValues("success").Inc()
		logger.Info("[SMTP] message delivered", "from", from, "to", to, "bytes", len(msg))
		return nil
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		metrics.SMTPDeliveriesTotal.WithLabelValues("circuit_open").Inc()
		logger.Warn("[SMTP] circuit breaker open, skipping delivery", "addr", s.cfg.Addr)
		return fmt.Errorf("smtp relay unavailable: %w", err)
	case IsPermanentError(err):
		metrics.SMTPDeliveriesTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.SMTPDeliveriesTotal.WithLabelValues("failure").Inc()
	}
	logger.Error("[SMTP] delivery failed", "from", from, "to", to, "error", err)
	return err
}

func (s *Sender) tlsConfig() *tls.Config {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		host = s.cfg.Addr
	}
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !s.cfg.TLSVerify,
	}
}

// connect dials the relay, retrying only connection-level failures.
func (s *Sender) connect(ctx context.Context) (*smtp.Client, error) {
	var c *smtp.Client
	err := retry.WithRetryAdvanced(ctx, func() error {
		var err error
		switch {
		case s.cfg.TLS:
			c, err = smtp.DialTLS(s.cfg.Addr, s.tlsConfig())
		case s.cfg.StartTLS:
			c, err = smtp.DialStartTLS(s.cfg.Addr, s.tlsConfig())
		default:
			c, err = smtp.Dial(s.cfg.Addr)
		}
		if err != nil {
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) {
				// The server answered; a greeting or STARTTLS refusal
				// will not change on retry.
				return retry.Stop(err)
			}
			logger.Debug("[SMTP] dial failed", "addr", s.cfg.Addr, "error", err)
		}
		return err
	}, s.dial)
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("connect to %s: %w", s.cfg.Addr, err), Permanent: IsPermanentError(err)}
	}

	c.CommandTimeout = defaultCommandTimeout
	c.SubmissionTimeout = defaultSubmissionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			c.CommandTimeout = remaining
			c.SubmissionTimeout = remaining
		}
	}
	return c, nil
}

func (s *Sender) send(ctx context.Context, from string, to []string, msg []byte) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return &RelayError{Err: fmt.Errorf("authenticate as %s: %w", s.cfg.Username, err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("finish data: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// Already accepted.
		logger.Warn("[SMTP] QUIT failed", "error", err)
	}
	return nil
}
