package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
)

// SanitizeUTF8 replaces every invalid UTF-8 sequence with U+FFFD.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

// StripXMLInvalid removes characters that XML 1.0 does not allow in
// character data (NUL and most C0 controls). Tab, LF and CR are kept.
func StripXMLInvalid(s string) string {
	valid := func(r rune) bool {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return true
		case r < 0x20:
			return false
		case r == 0xFFFE || r == 0xFFFF:
			return false
		}
		return true
	}

	clean := true
	for _, r := range s {
		if !valid(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	return strings.Map(func(r rune) rune {
		if valid(r) {
			return r
		}
		return -1
	}, s)
}

// SanitizeKeyword turns an arbitrary string into a valid IMAP keyword by
// replacing every character outside the atom set with '_'. An empty input
// yields "_".
//
// Keywords are atoms (RFC 3501): no controls, spaces, or any of (){%*"\]
// and no leading backslash.
func SanitizeKeyword(s string) imap.Flag {
	if s == "" {
		return imap.Flag("_")
	}
	out := strings.Map(func(r rune) rune {
		if r <= 0x20 || r >= 0x7f || strings.ContainsRune(`(){%*"\]`, r) {
			return '_'
		}
		return r
	}, s)
	return imap.Flag(out)
}
