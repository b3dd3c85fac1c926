// Package gateway ties the mailbox synchronizer, the chat transport and the
// SMTP sink together. It owns the per-message flow in both directions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-imap/v2"

	"github.com/mailgate/mailgate/bridge"
	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/metrics"
	"github.com/mailgate/mailgate/server/mailfilter"
	"github.com/mailgate/mailgate/server/xmpp"
)

// MailSink delivers a rendered message. smtpsink.Sender implements it.
type MailSink interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// ChatTransport is the part of xmpp.Transport the gateway talks to.
type ChatTransport interface {
	Send(ctx context.Context, msg *bridge.ChatMessage) error
	SendError(ctx context.Context, original *bridge.ChatMessage, cond xmpp.Condition, text string) error
}

// Runner is a long-lived component. Run returns when ctx is done or on a
// fatal error.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

type Options struct {
	// RelayFrom is the envelope sender for mail forwarded by a filter redirect.
	RelayFrom string
}

type Gateway struct {
	bridge *bridge.Bridge
	chat   ChatTransport
	sink   MailSink
	filter *mailfilter.Filter
	opts   Options
}

// New creates a Gateway. filter may be nil.
func New(b *bridge.Bridge, chat ChatTransport, sink MailSink, filter *mailfilter.Filter, opts Options) *Gateway {
	return &Gateway{bridge: b, chat: chat, sink: sink, filter: filter, opts: opts}
}

// HandleMail bridges one fetched mail to chat. It has the imapsync.Handler
// signature. A returned error is logged by the synchronizer and the mail is
// still marked seen.
func (g *Gateway) HandleMail(ctx context.Context, uid imap.UID, raw []byte) error {
	msg, err := bridge.ParseMailMessage(raw)
	if err != nil {
		return fmt.Errorf("parse mail uid %d: %w", uid, err)
	}

	decision, err := g.filter.Evaluate(ctx, msg)
	if err != nil {
		logger.Warn("[GATEWAY] mail filter failed, keeping message", "uid", uid, "error", err)
	}
	if len(decision.RedirectTo) > 0 {
		g.redirect(ctx, msg, decision.RedirectTo)
	}
	if !decision.Bridge {
		logger.Info("[GATEWAY] mail not bridged by filter", "uid", uid, "action", decision.Action, "message_id", msg.MessageID)
		return nil
	}

	chat, err := g.bridge.MailToChat(msg)
	if err != nil {
		return fmt.Errorf("convert mail uid %d: %w", uid, err)
	}
	if err := g.chat.Send(ctx, chat); err != nil {
		return fmt.Errorf("send mail uid %d to chat: %w", uid, err)
	}
	logger.Info("[GATEWAY] mail bridged", "uid", uid, "from", msg.From, "to", chat.To.String(), "id", chat.ID)
	return nil
}

// redirect relays the raw mail unchanged. Failures are logged only; the
// chat side is unaffected.
func (g *Gateway) redirect(ctx context.Context, msg *bridge.MailMessage, to []string) {
	from := g.opts.RelayFrom
	if from == "" {
		from = msg.From
	}
	if err := g.sink.Send(ctx, from, to, msg.Raw); err != nil {
		logger.Error("[GATEWAY] filter redirect failed", "message_id", msg.MessageID, "to", to, "error", err)
		return
	}
	logger.Info("[GATEWAY] mail redirected by filter", "message_id", msg.MessageID, "to", to)
}

// HandleChat relays one inbound chat message out as mail. It has the
// xmpp.MessageHandler signature.
func (g *Gateway) HandleChat(ctx context.Context, msg *bridge.ChatMessage) {
	out := g.bridge.ChatToMail(msg)

	switch out.Action {
	case bridge.Skip:
		metrics.ChatMessagesTotal.WithLabelValues("skipped").Inc()
		logger.Debug("[GATEWAY] empty chat message skipped", "from", msg.From.String())

	case bridge.StopWithReply:
		if errors.Is(out.Err, bridge.ErrNotRegistered) {
			metrics.ChatMessagesTotal.WithLabelValues("unauthorized").Inc()
			g.replyError(ctx, msg, xmpp.RegistrationRequired, "")
			return
		}
		metrics.ChatMessagesTotal.WithLabelValues("rejected").Inc()
		if err := g.chat.Send(ctx, out.Reply); err != nil {
			logger.Warn("[GATEWAY] failed to send reply", "to", out.Reply.To.String(), "error", err)
		}

	case bridge.Continue:
		data, err := out.Mail.Bytes()
		if err != nil {
			metrics.ChatMessagesTotal.WithLabelValues("failed").Inc()
			logger.Error("[GATEWAY] failed to render mail", "from", msg.From.String(), "error", err)
			g.replyError(ctx, msg, xmpp.InternalServerError, "")
			return
		}
		if err := g.sink.Send(ctx, out.Mail.From, []string{out.Mail.To}, data); err != nil {
			metrics.ChatMessagesTotal.WithLabelValues("failed").Inc()
			logger.Error("[GATEWAY] mail delivery failed", "to", out.Mail.To, "error", err)
			g.replyError(ctx, msg, xmpp.RecipientUnavailable, err.Error())
			return
		}
		metrics.ChatMessagesTotal.WithLabelValues("sent").Inc()
		logger.Info("[GATEWAY] chat message sent as mail", "from", out.Mail.From, "to", out.Mail.To)
	}
}

func (g *Gateway) replyError(ctx context.Context, msg *bridge.ChatMessage, cond xmpp.Condition, text string) {
	if err := g.chat.SendError(ctx, msg, cond, text); err != nil {
		logger.Warn("[GATEWAY] failed to send error reply", "condition", cond, "to", msg.From.String(), "error", err)
	}
}

// Run starts the chat transport and the synchronizer and waits for both.
// The first error from either cancels the other and is returned.
func Run(ctx context.Context, chat Runner, mailbox Runner) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	start := func(name string, r Runner) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				once.Do(func() {
					firstErr = fmt.Errorf("%s: %w", name, err)
					cancel()
				})
			}
		}()
	}
	start("xmpp", chat)
	start("imap", mailbox)
	wg.Wait()
	return firstErr
}
