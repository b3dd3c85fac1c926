// Package bridge converts messages between mail and chat.
//
// Conversion is pure: a Bridge never performs I/O. Mail is parsed with
// ParseMailMessage and turned into a ChatMessage by MailToChat; chat messages
// go the other way through ChatToMail, which reports what the caller should
// do next as an Outcome.
package bridge

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mailgate/mailgate/logger"
	"lukechampine.com/blake3"
)

// Body formats accepted by Options.PreferredFormat.
const (
	FormatPlaintext = "plaintext"
	FormatHTML2Text = "html2text"
	FormatHTML      = "html"
)

// Options controls conversion.
type Options struct {
	PreferredFormat string
	// PrependHeaders names the mail headers written at the top of the chat
	// body: any of "from", "to", "subject", plus "_always_to".
	PrependHeaders []string
	// PreparseHeaders is the allow-list for ExtractHeaders. The first entry
	// is the header a block must start with.
	PreparseHeaders []string
}

// Action tells the caller how to continue after ChatToMail.
type Action int

const (
	// Skip means there is nothing to send.
	Skip Action = iota
	// Continue means Mail should be delivered.
	Continue
	// StopWithReply means processing ends and Reply goes back to the chat sender.
	StopWithReply
)

func (a Action) String() string {
	switch a {
	case Skip:
		return "skip"
	case Continue:
		return "continue"
	case StopWithReply:
		return "stop_with_reply"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Outcome is the result of ChatToMail. Err holds the cause for StopWithReply.
type Outcome struct {
	Action Action
	Mail   *OutgoingMail
	Reply  *ChatMessage
	Err    error
}

// Bridge converts messages in both directions.
type Bridge struct {
	opts     Options
	resolver AddressResolver
	conv     HTMLConverter
}

// New creates a Bridge. A nil converter falls back to HTML2Text defaults.
func New(opts Options, resolver AddressResolver, conv HTMLConverter) *Bridge {
	if opts.PreferredFormat == "" {
		opts.PreferredFormat = FormatPlaintext
	}
	if conv == nil {
		conv = HTML2Text{LinksInnerText: true, UnixLineBreaks: true, ListSupport: true, Strip: true}
	}
	return &Bridge{opts: opts, resolver: resolver, conv: conv}
}

// MailToChat converts an incoming mail to a chat message.
func (b *Bridge) MailToChat(msg *MailMessage) (*ChatMessage, error) {
	from, err := b.resolver.ChatSender(msg.From)
	if err != nil {
		return nil, fmt.Errorf("cannot map mail sender %q: %w", msg.From, err)
	}
	to, err := b.resolver.ChatRecipient(msg.Recipient())
	if err != nil {
		return nil, fmt.Errorf("cannot map mail recipient %q: %w", msg.Recipient(), err)
	}

	body := b.selectBody(msg)
	if prefix := b.prependLines(msg); prefix != "" {
		body = prefix + "\n" + body
	}

	chat := &ChatMessage{
		ID:   Fingerprint(msg.Raw),
		Type: TypeNormal,
		From: from,
		To:   to,
		Body: body,
	}
	if s := strings.TrimSpace(msg.Subject); s != "" {
		chat.Subject = &msg.Subject
	}
	return chat, nil
}

// Fingerprint returns a stable id for raw mail bytes, so that a redelivered
// mail produces the same stanza id.
func Fingerprint(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

func (b *Bridge) selectBody(msg *MailMessage) string {
	switch b.opts.PreferredFormat {
	case FormatHTML:
		if msg.HTML != nil {
			return *msg.HTML
		}
		if msg.Plain != nil {
			return *msg.Plain
		}
	case FormatHTML2Text:
		if msg.HTML != nil {
			return b.conv.Convert(*msg.HTML)
		}
		if msg.Plain != nil {
			return *msg.Plain
		}
	default:
		if msg.Plain != nil {
			return *msg.Plain
		}
		if msg.HTML != nil {
			return b.conv.Convert(*msg.HTML)
		}
	}
	return ""
}

func (b *Bridge) prependLines(msg *MailMessage) string {
	want := make(map[string]bool, len(b.opts.PrependHeaders))
	for _, h := range b.opts.PrependHeaders {
		want[strings.ToLower(h)] = true
	}
	if len(want) == 0 {
		return ""
	}

	var sb strings.Builder
	if want["from"] {
		from := msg.Header.Get("From")
		if text, err := msg.Header.Text("From"); err == nil {
			from = text
		}
		fmt.Fprintf(&sb, "From: %s\n", from)
	}
	if want["to"] && (want["_always_to"] || toDiffersFromEnvelope(msg)) {
		fmt.Fprintf(&sb, "To: %s\n", msg.ToHeader)
	}
	if want["subject"] && msg.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", msg.Subject)
	}
	return sb.String()
}

// toDiffersFromEnvelope reports whether the To header names someone other
// than the delivery recipient, as with mailing lists and Bcc copies.
func toDiffersFromEnvelope(msg *MailMessage) bool {
	if msg.EnvelopeTo == "" {
		return false
	}
	envelope := msg.Recipient()
	if len(msg.To) != 1 {
		return true
	}
	return !strings.EqualFold(msg.To[0], envelope)
}

// ChatToMail converts an inbound chat message to an outgoing mail.
func (b *Bridge) ChatToMail(msg *ChatMessage) Outcome {
	if strings.TrimSpace(msg.Body) == "" {
		return Outcome{Action: Skip}
	}

	block, err := ExtractHeaders(msg.Body, b.opts.PreparseHeaders)
	if err != nil {
		return b.stop(msg, err, "Your message was not sent: %v", err)
	}

	from, err := b.resolver.MailSender(msg.From)
	if err != nil {
		return b.stop(msg, err, "You are not allowed to send mail through this gateway.")
	}
	to, err := b.resolver.MailRecipient(msg.To)
	if err != nil {
		return b.stop(msg, err, "Your message was not sent: %v", err)
	}

	out := &OutgoingMail{From: from, To: to, Body: block.Body}
	if msg.Subject != nil {
		out.Subject = strings.TrimSpace(*msg.Subject)
	}
	for _, h := range block.Headers {
		if h.Name == "subject" {
			out.Subject = h.Value
			continue
		}
		out.Headers = append(out.Headers, h)
	}

	return Outcome{Action: Continue, Mail: out}
}

func (b *Bridge) stop(msg *ChatMessage, cause error, format string, args ...any) Outcome {
	logger.Info("[BRIDGE] chat message rejected", "from", msg.From.String(), "to", msg.To.String(), "error", cause)
	typ := msg.Type
	if typ == "" || typ == TypeError {
		typ = TypeChat
	}
	return Outcome{
		Action: StopWithReply,
		Err:    cause,
		Reply: &ChatMessage{
			ID:      uuid.NewString(),
			Type:    typ,
			From:    msg.To,
			To:      msg.From,
			Body:    fmt.Sprintf(format, args...),
			Subject: msg.Subject,
		},
	}
}
