package bridge

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/mailgate/mailgate/consts"
	"github.com/mailgate/mailgate/helpers"
	"github.com/mailgate/mailgate/jid"
	"github.com/mailgate/mailgate/logger"
)

// Chat message types.
const (
	TypeChat      = "chat"
	TypeNormal    = "normal"
	TypeHeadline  = "headline"
	TypeGroupChat = "groupchat"
	TypeError     = "error"
)

// envelopeHeaders are consulted in order to find the delivery recipient.
var envelopeHeaders = []string{"Envelope-To", "Delivered-To", "X-Original-To"}

// Header is one extracted or injected header line. Name is lowercase.
type Header struct {
	Name  string
	Value string
}

// MailMessage is an incoming mail, parsed once and never modified.
type MailMessage struct {
	From       string   // bare sender address
	To         []string // bare recipient addresses from the To header
	ToHeader   string   // decoded To header as written by the sender
	EnvelopeTo string   // delivery recipient, empty when the server added no envelope header
	Subject    string
	Plain      *string
	HTML       *string
	MessageID  string
	Header     mail.Header
	Raw        []byte
}

// ChatMessage is a message stanza on the chat side.
type ChatMessage struct {
	ID      string
	Type    string
	From    jid.JID
	To      jid.JID
	Body    string
	Subject *string
	Headers []Header
}

// ParseMailMessage parses raw RFC 5322 bytes. Unknown charsets are tolerated:
// their text is decoded lossily instead of failing the message.
func ParseMailMessage(raw []byte) (*MailMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		logger.Debug("[BRIDGE] unknown charset in message header", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrMalformedMessage, err)
	}
	if mr == nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrMalformedMessage, err)
	}
	defer mr.Close()

	msg := &MailMessage{
		Header: mr.Header,
		Raw:    raw,
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else {
		msg.From = strings.TrimSpace(mr.Header.Get("From"))
	}

	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			msg.To = append(msg.To, addr.Address)
		}
	}
	if text, err := mr.Header.Text("To"); err == nil {
		msg.ToHeader = helpers.SanitizeUTF8(text)
	} else {
		msg.ToHeader = helpers.SanitizeUTF8(mr.Header.Get("To"))
	}

	for _, name := range envelopeHeaders {
		if v := strings.TrimSpace(mr.Header.Get(name)); v != "" {
			msg.EnvelopeTo = v
			break
		}
	}

	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = helpers.SanitizeUTF8(subject)
	} else {
		msg.Subject = helpers.SanitizeUTF8(mr.Header.Get("Subject"))
	}

	if id, err := mr.Header.MessageID(); err == nil {
		msg.MessageID = id
	}

	parts, err := helpers.ExtractTextParts(mr)
	if err != nil {
		// A broken later part should not hide the text already found.
		logger.Warn("[BRIDGE] failed to read all message parts", "message_id", msg.MessageID, "error", err)
	}
	msg.Plain = parts.Plain
	msg.HTML = parts.HTML

	return msg, nil
}

// Recipient returns the address the mail was delivered to: the envelope
// recipient when known, else the first To address.
func (m *MailMessage) Recipient() string {
	if m.EnvelopeTo != "" {
		if addr, err := mail.ParseAddress(m.EnvelopeTo); err == nil {
			return addr.Address
		}
		return m.EnvelopeTo
	}
	if len(m.To) > 0 {
		return m.To[0]
	}
	return ""
}
