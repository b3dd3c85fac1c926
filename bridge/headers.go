package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

var headerLineRe = regexp.MustCompile(`^([^:]+): (.*)$`)

// HeaderBlock is the result of ExtractHeaders. When Found is false, Body
// is the untouched input and Headers is nil.
type HeaderBlock struct {
	Found   bool
	Body    string
	Headers []Header
}

// HeaderOrderError means a header block was detected but did not start with
// the required first header.
type HeaderOrderError struct {
	Want string
	Got  string
}

func (e *HeaderOrderError) Error() string {
	return fmt.Sprintf("the first header must be %q, got %q; add a blank first line to send the text as-is", e.Want, e.Got)
}

// DisallowedHeadersError lists the header names that are not on the allow-list.
type DisallowedHeadersError struct {
	Names []string
}

func (e *DisallowedHeadersError) Error() string {
	return fmt.Sprintf("headers not allowed: %s", strings.Join(e.Names, ", "))
}

// ExtractHeaders looks for a block of "Name: value" lines at the start of a
// chat body, separated from the text by a blank line.
//
// Text that does not look like a header block is never an error: the result
// simply has Found set to false. A block that does look like headers but
// starts with the wrong name, or names a header outside allowList, is an
// error, since sending it on would silently corrupt either the headers or
// the text. An empty allowList disables extraction.
func ExtractHeaders(body string, allowList []string) (HeaderBlock, error) {
	notFound := HeaderBlock{Body: body}
	if len(allowList) == 0 {
		return notFound, nil
	}

	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	head, rest, ok := strings.Cut(normalized, "\n\n")
	if !ok {
		return notFound, nil
	}

	var lines []string
	for _, line := range strings.Split(head, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return notFound, nil
	}

	headers := make([]Header, 0, len(lines))
	for _, line := range lines {
		m := headerLineRe.FindStringSubmatch(line)
		if m == nil {
			return notFound, nil
		}
		headers = append(headers, Header{Name: strings.ToLower(m[1]), Value: m[2]})
	}

	if headers[0].Name != strings.ToLower(allowList[0]) {
		return HeaderBlock{}, &HeaderOrderError{Want: allowList[0], Got: headers[0].Name}
	}

	allowed := make(map[string]bool, len(allowList))
	for _, name := range allowList {
		allowed[strings.ToLower(name)] = true
	}
	var bad []string
	seen := make(map[string]bool)
	for _, h := range headers {
		if !allowed[h.Name] && !seen[h.Name] {
			seen[h.Name] = true
			bad = append(bad, h.Name)
		}
	}
	if len(bad) > 0 {
		return HeaderBlock{}, &DisallowedHeadersError{Names: bad}
	}

	return HeaderBlock{Found: true, Body: rest, Headers: headers}, nil
}
