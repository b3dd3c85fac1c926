package helpers

import (
	"fmt"
	"strings"
)

// SplitEmailAddress splits a bare address into lowercased local part and domain.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("invalid email address %q", email)
	}
	return email[:at], email[at+1:], nil
}

// Characters a mail local part may carry but a chat local part may not,
// with their XEP-0106 escape sequences.
var localPartEscapes = map[rune]string{
	' ':  `\20`,
	'"':  `\22`,
	'&':  `\26`,
	'\'': `\27`,
	'/':  `\2f`,
	':':  `\3a`,
	'<':  `\3c`,
	'>':  `\3e`,
}

var localPartUnescaper = strings.NewReplacer(
	`\20`, " ",
	`\22`, `"`,
	`\26`, "&",
	`\27`, "'",
	`\2f`, "/",
	`\3a`, ":",
	`\3c`, "<",
	`\3e`, ">",
	`\40`, "@",
	`\5c`, `\`,
	"%", "@",
)

// EscapeAddress maps a mail address onto a chat local part: user@host ->
// user%host. Characters forbidden in a chat local part are escaped the
// XEP-0106 way, so o'brien@host becomes o\27brien%host.
func EscapeAddress(addr string) string {
	var b strings.Builder
	b.Grow(len(addr))
	for i, r := range addr {
		switch {
		case r == '@':
			b.WriteByte('%')
		case r == '\\' && startsWithEscape(addr[i+1:]):
			// A literal backslash only needs escaping when it would
			// otherwise be read back as the start of a sequence.
			b.WriteString(`\5c`)
		default:
			if esc, ok := localPartEscapes[r]; ok {
				b.WriteString(esc)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// UnescapeAddress reverses EscapeAddress: user%host -> user@host.
func UnescapeAddress(local string) string {
	return localPartUnescaper.Replace(local)
}

func startsWithEscape(s string) bool {
	if len(s) < 2 {
		return false
	}
	switch s[:2] {
	case "20", "22", "26", "27", "2f", "3a", "3c", "3e", "40", "5c":
		return true
	}
	return false
}
