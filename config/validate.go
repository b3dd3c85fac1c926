package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/mailgate/mailgate/helpers"
	"github.com/mailgate/mailgate/jid"
)

var validFormats = map[string]bool{"plaintext": true, "html2text": true, "html": true}

var validPrependHeaders = map[string]bool{"from": true, "to": true, "subject": true, "_always_to": true}

// Validate checks the merged configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.XMPP.ComponentJID == "" {
		fail("xmpp.component_jid is required")
	} else if j, err := jid.Parse(c.XMPP.ComponentJID); err != nil {
		fail("xmpp.component_jid: %w", err)
	} else if j.Local != "" || j.Resource != "" {
		fail("xmpp.component_jid must be a bare domain, got %q", c.XMPP.ComponentJID)
	}
	if c.XMPP.Secret == "" {
		fail("xmpp.secret is required")
	}
	if c.XMPP.ServerAddr == "" {
		fail("xmpp.server_addr is required")
	}
	if c.XMPP.ConnectAttempts < 1 {
		fail("xmpp.connect_attempts must be at least 1")
	}

	if c.Bridge.TargetJID == "" {
		fail("bridge.target_jid is required")
	} else if _, err := jid.Parse(c.Bridge.TargetJID); err != nil {
		fail("bridge.target_jid: %w", err)
	}
	if !validFormats[c.Bridge.PreferredFormat] {
		fail("bridge.preferred_format must be one of plaintext, html2text, html; got %q", c.Bridge.PreferredFormat)
	}
	for _, h := range c.Bridge.PrependHeaders {
		if !validPrependHeaders[h] {
			fail("bridge.prepend_headers: unsupported header %q", h)
		}
	}
	for _, h := range c.Bridge.PreparseHeaders {
		if h == "" || h != strings.ToLower(h) || strings.ContainsAny(h, ": \t") {
			fail("bridge.preparse_headers: %q must be a non-empty lowercase header name", h)
		}
	}

	if c.IMAP.Addr == "" {
		fail("imap.addr is required")
	}
	if c.IMAP.TLS && c.IMAP.StartTLS {
		fail("imap.tls and imap.starttls are mutually exclusive")
	}
	if c.IMAP.BatchLimit < 1 {
		fail("imap.batch_limit must be positive")
	}
	if c.IMAP.ClientID == "" {
		fail("imap.client_id is required")
	}

	if c.SMTP.Addr == "" {
		fail("smtp.addr is required")
	}
	if c.SMTP.TLS && c.SMTP.StartTLS {
		fail("smtp.tls and smtp.starttls are mutually exclusive")
	}
	if c.SMTP.FromAddress == "" {
		fail("smtp.from_address is required")
	} else if _, err := mail.ParseAddress(c.SMTP.FromAddress); err != nil {
		fail("smtp.from_address: %w", err)
	}

	if c.State.Path == "" {
		fail("state.path is required")
	}

	durations := map[string]string{
		"imap.idle_timeout":            c.IMAP.IdleTimeout,
		"imap.retry_initial":           c.IMAP.RetryInitial,
		"imap.retry_max":               c.IMAP.RetryMax,
		"smtp.circuit_breaker_timeout": c.SMTP.CircuitBreakerTimeout,
		"xmpp.process_timeout":         c.XMPP.ProcessTimeout,
		"xmpp.reconnect_delay":         c.XMPP.ReconnectDelay,
		"xmpp.send_timeout":            c.XMPP.SendTimeout,
		"state.flush_delay":            c.State.FlushDelay,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := helpers.ParseDuration(value); err != nil {
			fail("%s: %w", key, err)
		}
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		fail("status.addr is required when status.enabled is set")
	}

	return errors.Join(errs...)
}
