// Package jid implements XMPP addresses (node@domain/resource).
//
// Parse and New are the only ways to obtain a JID from untrusted text; both
// reject ambiguous or malformed input instead of guessing.
package jid

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrMalformed is wrapped by every parse and validation error.
var ErrMalformed = errors.New("malformed jid")

const maxPartLen = 1023

// JID is a chat-side identity. Domain is never empty for a JID returned by
// Parse or New.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// Parse splits s into its parts and validates each of them.
func Parse(s string) (JID, error) {
	bare, resource, hasResource := strings.Cut(s, "/")
	if hasResource && resource == "" {
		return JID{}, fmt.Errorf("%w: empty resource in %q", ErrMalformed, s)
	}

	var local, domain string
	switch strings.Count(bare, "@") {
	case 0:
		domain = bare
	case 1:
		local, domain, _ = strings.Cut(bare, "@")
		if local == "" {
			return JID{}, fmt.Errorf("%w: empty local part in %q", ErrMalformed, s)
		}
	default:
		return JID{}, fmt.Errorf("%w: more than one '@' in %q", ErrMalformed, s)
	}

	return New(local, domain, resource)
}

// MustParse is like Parse but panics on error. Meant for constants and tests.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// New builds a JID from already separated parts. The domain keeps the case
// it was written in, so String gives back exactly what Parse was given.
func New(local, domain, resource string) (JID, error) {
	j := JID{Local: local, Domain: domain, Resource: resource}
	if err := j.validate(); err != nil {
		return JID{}, err
	}
	return j, nil
}

func (j JID) validate() error {
	if j.Domain == "" {
		return fmt.Errorf("%w: empty domain", ErrMalformed)
	}
	for name, part := range map[string]string{"local": j.Local, "domain": j.Domain, "resource": j.Resource} {
		if len(part) > maxPartLen {
			return fmt.Errorf("%w: %s part longer than %d bytes", ErrMalformed, name, maxPartLen)
		}
		if !utf8.ValidString(part) {
			return fmt.Errorf("%w: %s part is not valid UTF-8", ErrMalformed, name)
		}
	}
	for _, r := range j.Local {
		if unicode.IsControl(r) || unicode.IsSpace(r) || strings.ContainsRune(`"&'/:<>@`, r) {
			return fmt.Errorf("%w: character %q not allowed in local part", ErrMalformed, r)
		}
	}
	for _, r := range j.Domain {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == '@' || r == '/' {
			return fmt.Errorf("%w: character %q not allowed in domain", ErrMalformed, r)
		}
	}
	for _, r := range j.Resource {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character in resource", ErrMalformed)
		}
	}
	return nil
}

// String renders [local@]domain[/resource].
func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// Bare drops the resource.
func (j JID) Bare() JID {
	return JID{Local: j.Local, Domain: j.Domain}
}

// IsZero reports whether j is the zero value.
func (j JID) IsZero() bool {
	return j == JID{}
}

// BareEqual compares local part and domain, ignoring the resource.
// Domains are compared case-insensitively.
func (j JID) BareEqual(other JID) bool {
	return j.Local == other.Local && j.SameDomain(other.Domain)
}

// SameDomain reports whether j lives on domain, ignoring case.
func (j JID) SameDomain(domain string) bool {
	return strings.EqualFold(j.Domain, domain)
}
