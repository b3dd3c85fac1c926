package xmpp

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// StreamError is a <stream:error/> sent by the server.
type StreamError struct {
	Condition string
	Text      string
}

func (e *StreamError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stream error %s: %s", e.Condition, e.Text)
	}
	return "stream error " + e.Condition
}

// handshakeDigest is hex(SHA-1(stream id + secret)) as XEP-0114 requires.
func handshakeDigest(streamID, secret string) string {
	sum := sha1.Sum([]byte(streamID + secret))
	return hex.EncodeToString(sum[:])
}

func streamHeader(to string) string {
	return fmt.Sprintf("<?xml version='1.0'?><stream:stream xmlns='%s' xmlns:stream='%s' to='%s'>",
		nsComponent, nsStream, escapeAttr(to))
}

const streamFooter = "</stream:stream>"

func escapeAttr(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// stream is one component connection after the stream header exchange.
type stream struct {
	conn net.Conn
	dec  *xml.Decoder
	id   string
}

// openStream sends our header and reads the server's, returning its id.
func openStream(conn net.Conn, domain string, timeout time.Duration) (*stream, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := io.WriteString(conn, streamHeader(domain)); err != nil {
		return nil, fmt.Errorf("send stream header: %w", err)
	}

	dec := xml.NewDecoder(conn)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read stream header: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Space != nsStream || start.Name.Local != "stream" {
			return nil, fmt.Errorf("unexpected element <%s> instead of stream header", start.Name.Local)
		}
		s := &stream{conn: conn, dec: dec}
		for _, a := range start.Attr {
			if a.Name.Local == "id" {
				s.id = a.Value
			}
		}
		if s.id == "" {
			return nil, errors.New("server stream header has no id")
		}
		return s, nil
	}
}

// authenticate performs the handshake. A <stream:error/> reply is
// reported as ErrAuthFailed.
func (s *stream) authenticate(secret string, timeout time.Duration) error {
	_ = s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	out, err := xml.Marshal(handshake{Digest: handshakeDigest(s.id, secret)})
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	start, err := s.nextStart()
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	switch {
	case start.Name.Local == "handshake":
		return s.dec.Skip()
	case start.Name.Space == nsStream && start.Name.Local == "error":
		return fmt.Errorf("%w: %w", ErrAuthFailed, s.decodeStreamError(start))
	default:
		return fmt.Errorf("unexpected <%s> in reply to handshake", start.Name.Local)
	}
}

// nextStart returns the next top-level start element. A closing stream
// tag is reported as io.EOF.
func (s *stream) nextStart() (xml.StartElement, error) {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			if t.Name.Space == nsStream && t.Name.Local == "stream" {
				return xml.StartElement{}, io.EOF
			}
		}
	}
}

func (s *stream) decodeStreamError(start xml.StartElement) error {
	var se streamError
	if err := s.dec.DecodeElement(&se, &start); err != nil {
		return fmt.Errorf("malformed stream error: %w", err)
	}
	return &StreamError{Condition: se.Condition.XMLName.Local, Text: se.Text}
}

// readStanza decodes the next stanza into a *messageStanza,
// *presenceStanza or *iqStanza. Unknown elements are skipped.
func (s *stream) readStanza() (any, error) {
	for {
		start, err := s.nextStart()
		if err != nil {
			return nil, err
		}
		var v any
		switch {
		case start.Name.Space == nsStream && start.Name.Local == "error":
			return nil, s.decodeStreamError(start)
		case start.Name.Local == "message":
			v = &messageStanza{}
		case start.Name.Local == "presence":
			v = &presenceStanza{}
		case start.Name.Local == "iq":
			v = &iqStanza{}
		default:
			if err := s.dec.Skip(); err != nil {
				return nil, err
			}
			continue
		}
		if err := s.dec.DecodeElement(v, &start); err != nil {
			return nil, fmt.Errorf("decode <%s>: %w", start.Name.Local, err)
		}
		return v, nil
	}
}
