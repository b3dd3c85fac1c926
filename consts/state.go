package consts

// Keys in the persisted state file. Unknown keys are left untouched so
// older or newer builds can share one file.
const (
	StateKeyLastUID     = "last_uid"
	StateKeyUIDValidity = "uid_validity"
)

// SeenKeywordPrefix is followed by the configured client id to form the
// IMAP keyword that marks a message as bridged, e.g. "Seen_by_mgw1".
const SeenKeywordPrefix = "Seen_by_"

const DefaultMailbox = "INBOX"

// SoftwareName is advertised through jabber:iq:version.
const SoftwareName = "mailgate"

// Version is overridden at build time with -ldflags "-X ...consts.Version=".
var Version = "dev"
