package bridge

import (
	"bytes"
	"fmt"
	"net/textproto"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/mailgate/mailgate/helpers"
	"github.com/mailgate/mailgate/logger"
)

// reservedHeaders are written by OutgoingMail itself and cannot be injected.
var reservedHeaders = map[string]bool{
	"from":                      true,
	"to":                        true,
	"subject":                   true,
	"date":                      true,
	"message-id":                true,
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
}

// OutgoingMail is a mail built from a chat message, ready for the sink.
type OutgoingMail struct {
	From    string
	To      string
	Subject string // empty means no Subject header
	Headers []Header
	Body    string
	Date    time.Time
}

// Bytes renders a single-part text/plain UTF-8 message.
func (m *OutgoingMail) Bytes() ([]byte, error) {
	var h mail.Header
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)

	domain := "localhost"
	if _, d, err := helpers.SplitEmailAddress(m.From); err == nil {
		domain = d
	}
	h.SetMessageID(uuid.NewString() + "@" + domain)

	h.Set("MIME-Version", "1.0")
	h.SetAddressList("From", []*mail.Address{{Address: m.From}})
	h.SetAddressList("To", []*mail.Address{{Address: m.To}})
	if m.Subject != "" {
		h.SetSubject(m.Subject)
	}
	for _, extra := range m.Headers {
		if reservedHeaders[extra.Name] {
			logger.Debug("[BRIDGE] ignoring reserved header from chat body", "header", extra.Name)
			continue
		}
		h.Add(textproto.CanonicalMIMEHeaderKey(extra.Name), extra.Value)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail writer: %w", err)
	}
	if _, err := w.Write([]byte(m.Body)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish mail: %w", err)
	}
	return buf.Bytes(), nil
}
