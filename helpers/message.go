package helpers

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

// TextParts holds the first inline text/plain part and the first inline
// text/html part of a message, already decoded to UTF-8.
type TextParts struct {
	Plain *string
	HTML  *string
}

// ExtractTextParts walks every part of the message and keeps the first inline
// plain and HTML bodies. Attachments are skipped. Parts in an unknown charset
// are read as raw bytes and sanitized, so the caller always gets valid UTF-8.
func ExtractTextParts(mr *mail.Reader) (TextParts, error) {
	var parts TextParts

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return parts, fmt.Errorf("failed to read message part: %w", err)
		}
		if part == nil {
			continue
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		if disp, _, _ := header.ContentDisposition(); strings.EqualFold(disp, "attachment") {
			continue
		}

		mediaType, _, _ := header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if mediaType != "text/plain" && mediaType != "text/html" {
			continue
		}
		if (mediaType == "text/plain" && parts.Plain != nil) || (mediaType == "text/html" && parts.HTML != nil) {
			continue
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return parts, fmt.Errorf("failed to read %s body: %w", mediaType, err)
		}
		text := SanitizeUTF8(string(content))

		if mediaType == "text/plain" {
			parts.Plain = &text
		} else {
			parts.HTML = &text
		}
	}

	return parts, nil
}

// HTMLToText converts an HTML body to readable plain text.
func HTMLToText(html string, opts ...html2text.Option) string {
	return html2text.HTML2TextWithOptions(html, opts...)
}
