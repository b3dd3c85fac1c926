package xmpp

import (
	"encoding/xml"
)

const (
	nsComponent = "jabber:component:accept"
	nsStream    = "http://etherx.jabber.org/streams"
	nsStreams   = "urn:ietf:params:xml:ns:xmpp-streams"
	nsStanzas   = "urn:ietf:params:xml:ns:xmpp-stanzas"
	nsDiscoInfo = "http://jabber.org/protocol/disco#info"
	nsDiscoItem = "http://jabber.org/protocol/disco#items"
	nsVersion   = "jabber:iq:version"
)

// Condition is a stanza error condition (RFC 6120 section 8.3.3).
type Condition string

const (
	BadRequest           Condition = "bad-request"
	InternalServerError  Condition = "internal-server-error"
	ItemNotFound         Condition = "item-not-found"
	JIDMalformed         Condition = "jid-malformed"
	NotAllowed           Condition = "not-allowed"
	RecipientUnavailable Condition = "recipient-unavailable"
	RegistrationRequired Condition = "registration-required"
	ServiceUnavailable   Condition = "service-unavailable"
)

// errorType is the type attribute that goes with each condition.
func (c Condition) errorType() string {
	switch c {
	case BadRequest, JIDMalformed:
		return "modify"
	case RegistrationRequired:
		return "auth"
	case RecipientUnavailable:
		return "wait"
	default:
		return "cancel"
	}
}

type element struct {
	XMLName xml.Name
}

type StanzaError struct {
	XMLName   xml.Name `xml:"error"`
	Type      string   `xml:"type,attr"`
	Condition element  `xml:",any"`
	Text      string   `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
}

func newStanzaError(cond Condition, text string) *StanzaError {
	return &StanzaError{
		Type:      cond.errorType(),
		Condition: element{XMLName: xml.Name{Space: nsStanzas, Local: string(cond)}},
		Text:      text,
	}
}

func (e *StanzaError) condition() Condition {
	if e == nil {
		return ""
	}
	return Condition(e.Condition.XMLName.Local)
}

type messageStanza struct {
	XMLName xml.Name     `xml:"message"`
	ID      string       `xml:"id,attr,omitempty"`
	Type    string       `xml:"type,attr,omitempty"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Subject *string      `xml:"subject"`
	Body    string       `xml:"body,omitempty"`
	Error   *StanzaError `xml:"error"`
}

type presenceStanza struct {
	XMLName xml.Name     `xml:"presence"`
	ID      string       `xml:"id,attr,omitempty"`
	Type    string       `xml:"type,attr,omitempty"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Error   *StanzaError `xml:"error"`
}

// query is any IQ payload as received.
type query struct {
	XMLName xml.Name
	Node    string `xml:"node,attr"`
}

type iqStanza struct {
	XMLName xml.Name     `xml:"iq"`
	ID      string       `xml:"id,attr"`
	Type    string       `xml:"type,attr"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Query   *query       `xml:",any"`
	Error   *StanzaError `xml:"error"`
}

// iqReply carries an outgoing payload; Payload must be a struct with an XMLName.
type iqReply struct {
	XMLName xml.Name     `xml:"iq"`
	ID      string       `xml:"id,attr"`
	Type    string       `xml:"type,attr"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Payload any          `xml:",omitempty"`
	Error   *StanzaError `xml:"error"`
}

type identity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

type feature struct {
	Var string `xml:"var,attr"`
}

type discoInfo struct {
	XMLName    xml.Name   `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string     `xml:"node,attr,omitempty"`
	Identities []identity `xml:"identity"`
	Features   []feature  `xml:"feature"`
}

type discoItems struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
	Node    string   `xml:"node,attr,omitempty"`
}

type versionInfo struct {
	XMLName xml.Name `xml:"jabber:iq:version query"`
	Name    string   `xml:"name"`
	Version string   `xml:"version"`
}

type handshake struct {
	XMLName xml.Name `xml:"handshake"`
	Digest  string   `xml:",chardata"`
}

// streamError is <stream:error/>. Only the condition is kept.
type streamError struct {
	Condition element `xml:",any"`
	Text      string  `xml:"urn:ietf:params:xml:ns:xmpp-streams text"`
}
