// Package mailfilter runs an optional Sieve script against each incoming
// mail to decide whether it is bridged to chat, dropped, or also forwarded.
package mailfilter

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"

	"github.com/mailgate/mailgate/bridge"
	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/metrics"
)

type Action string

const (
	ActionKeep     Action = "keep"
	ActionDiscard  Action = "discard"
	ActionFileInto Action = "fileinto"
	ActionRedirect Action = "redirect"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Action     Action
	Mailbox    string   // fileinto target, informational only
	RedirectTo []string // addresses the raw mail is relayed to
	Flags      []string
	// Bridge is false when the mail must not be sent to chat.
	Bridge bool
}

var keepDecision = Decision{Action: ActionKeep, Bridge: true}

// Filter is safe for concurrent use; every evaluation gets its own runtime.
type Filter struct {
	script *sieve.Script
	name   string
}

// Load reads and compiles the script at path. An empty path gives a nil
// Filter, which keeps everything.
func Load(path string, extensions []string) (*Filter, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sieve script: %w", err)
	}
	defer f.Close()

	flt, err := compile(f, extensions)
	if err != nil {
		return nil, fmt.Errorf("compile sieve script %s: %w", path, err)
	}
	flt.name = path
	logger.Info("[FILTER] sieve script loaded", "path", path, "extensions", extensions)
	return flt, nil
}

// New compiles script from a string.
func New(script string, extensions []string) (*Filter, error) {
	flt, err := compile(strings.NewReader(script), extensions)
	if err != nil {
		return nil, err
	}
	flt.name = "inline"
	return flt, nil
}

func compile(r io.Reader, extensions []string) (*Filter, error) {
	opts := sieve.DefaultOptions()
	opts.EnabledExtensions = extensions
	script, err := sieve.Load(r, opts)
	if err != nil {
		return nil, err
	}
	return &Filter{script: script}, nil
}

// Evaluate runs the script for msg. Errors fall back to keep so a broken
// script never loses mail.
func (f *Filter) Evaluate(ctx context.Context, msg *bridge.MailMessage) (Decision, error) {
	if f == nil {
		return keepDecision, nil
	}

	env := &envelope{from: msg.From, to: msg.Recipient()}
	data := sieve.NewRuntimeData(f.script, policy{}, env, &message{msg: msg})
	if err := f.script.Execute(ctx, data); err != nil {
		metrics.FilterActionsTotal.WithLabelValues("error").Inc()
		return keepDecision, fmt.Errorf("execute %s: %w", f.name, err)
	}

	d := Decision{Action: ActionKeep, Bridge: true}
	if len(data.Flags) > 0 {
		d.Flags = append([]string(nil), data.Flags...)
	}
	kept := data.Keep || data.ImplicitKeep

	switch {
	case len(data.RedirectAddr) > 0:
		d.Action = ActionRedirect
		d.RedirectTo = append([]string(nil), data.RedirectAddr...)
		d.Bridge = kept
		// fileinto combined with redirect still counts as keeping a copy
		if len(data.Mailboxes) > 0 {
			d.Mailbox = data.Mailboxes[0]
			d.Bridge = true
		}
	case len(data.Mailboxes) > 0:
		d.Action = ActionFileInto
		d.Mailbox = data.Mailboxes[0]
	case !kept:
		d.Action = ActionDiscard
		d.Bridge = false
	}

	metrics.FilterActionsTotal.WithLabelValues(string(d.Action)).Inc()
	logger.Debug("[FILTER] decision", "message_id", msg.MessageID, "action", d.Action, "bridge", d.Bridge, "redirect", d.RedirectTo)
	return d, nil
}

// policy allows redirects and refuses vacation replies; the gateway has no
// store for vacation history.
type policy struct{}

func (policy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (policy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData, originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (policy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData, recipient, from, subject, body string, isMime bool) error {
	return nil
}

type envelope struct {
	from string
	to   string
}

func (e *envelope) EnvelopeFrom() string { return e.from }
func (e *envelope) EnvelopeTo() string   { return e.to }
func (e *envelope) AuthUsername() string { return "" }

type message struct {
	msg *bridge.MailMessage
}

func (m *message) HeaderGet(key string) ([]string, error) {
	return m.msg.Header.Values(key), nil
}

func (m *message) MessageSize() int {
	return len(m.msg.Raw)
}
