package bridge

import (
	"errors"
	"fmt"
	"net/mail"

	"github.com/mailgate/mailgate/helpers"
	"github.com/mailgate/mailgate/jid"
)

var (
	// ErrNotRegistered is returned when a chat sender is not the bridged identity.
	ErrNotRegistered = errors.New("sender is not registered with this gateway")
	// ErrBadRecipient is returned when a chat recipient does not map to a mail address.
	ErrBadRecipient = errors.New("recipient is not a valid mail address")
)

// AddressResolver maps identities between the two sides. The gateway ships
// SingleUserResolver; a domain-mapping table can replace it without changes
// to Bridge.
type AddressResolver interface {
	ChatSender(mailFrom string) (jid.JID, error)
	ChatRecipient(envelopeTo string) (jid.JID, error)
	MailSender(chatFrom jid.JID) (string, error)
	MailRecipient(chatTo jid.JID) (string, error)
}

// SingleUserResolver bridges one mailbox to one chat identity. Mail senders
// appear as user%host@ComponentDomain on the chat side.
type SingleUserResolver struct {
	ComponentDomain string
	TargetJID       jid.JID
	MailAddress     string
}

func (r *SingleUserResolver) ChatSender(mailFrom string) (jid.JID, error) {
	if mailFrom == "" {
		return jid.New("", r.ComponentDomain, "")
	}
	return jid.New(helpers.EscapeAddress(mailFrom), r.ComponentDomain, "")
}

// ChatRecipient always returns the configured target, whatever the mail was
// addressed to. Mailing-list traffic would otherwise be lost.
func (r *SingleUserResolver) ChatRecipient(string) (jid.JID, error) {
	return r.TargetJID, nil
}

// MailSender accepts only the configured target. A resolver without a
// target accepts nobody.
func (r *SingleUserResolver) MailSender(chatFrom jid.JID) (string, error) {
	if r.TargetJID.IsZero() || !chatFrom.BareEqual(r.TargetJID.Bare()) {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, chatFrom.Bare())
	}
	return r.MailAddress, nil
}

func (r *SingleUserResolver) MailRecipient(chatTo jid.JID) (string, error) {
	if chatTo.Local == "" {
		return "", fmt.Errorf("%w: empty local part in %s", ErrBadRecipient, chatTo)
	}
	addr := helpers.UnescapeAddress(chatTo.Local)
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return "", fmt.Errorf("%w: %q", ErrBadRecipient, addr)
	}
	return parsed.Address, nil
}
