package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultAllow = []string{"subject"}

const metaBody = `
Subject: actual subject
Meta-header: some meta header

The body
`

func TestExtractHeaders_HeaderMessage(t *testing.T) {
	block, err := ExtractHeaders(metaBody, []string{"subject", "meta-header"})
	require.NoError(t, err)
	require.True(t, block.Found)
	assert.Equal(t, "The body\n", block.Body)
	assert.Equal(t, []Header{
		{Name: "subject", Value: "actual subject"},
		{Name: "meta-header", Value: "some meta header"},
	}, block.Headers)
}

func TestExtractHeaders_ExtraneousHeader(t *testing.T) {
	_, err := ExtractHeaders(metaBody, defaultAllow)
	require.Error(t, err)

	var disallowed *DisallowedHeadersError
	require.True(t, errors.As(err, &disallowed))
	assert.Equal(t, []string{"meta-header"}, disallowed.Names)
}

func TestExtractHeaders_ProseIsNotHeaders(t *testing.T) {
	body := `
This is a message with no
subject: it matches, but it should not
be processed as a header-message

... and should not return an error.
`
	block, err := ExtractHeaders(body, defaultAllow)
	require.NoError(t, err)
	assert.False(t, block.Found)
	assert.Equal(t, body, block.Body)
}

func TestExtractHeaders_MisspelledFirstHeader(t *testing.T) {
	body := `
subejct: error subject

The body
`
	_, err := ExtractHeaders(body, defaultAllow)
	require.Error(t, err)

	var order *HeaderOrderError
	require.True(t, errors.As(err, &order))
	assert.Equal(t, "subject", order.Want)
	assert.Equal(t, "subejct", order.Got)
}

func TestExtractHeaders_AccidentalHeaderShape(t *testing.T) {
	body := `
i: you
you: i

this is not a header-message though
`
	_, err := ExtractHeaders(body, defaultAllow)
	require.Error(t, err)
	var order *HeaderOrderError
	assert.True(t, errors.As(err, &order))
}

func TestExtractHeaders_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		allow     []string
		wantFound bool
		wantErr   bool
		wantBody  string
	}{
		{
			name:     "no blank line",
			body:     "Subject: hi\nstill the same paragraph",
			allow:    defaultAllow,
			wantBody: "Subject: hi\nstill the same paragraph",
		},
		{
			name:     "only whitespace before blank line",
			body:     "   \n\nhello",
			allow:    defaultAllow,
			wantBody: "   \n\nhello",
		},
		{
			name:      "crlf line endings",
			body:      "Subject: hi\r\n\r\nbody text",
			allow:     defaultAllow,
			wantFound: true,
			wantBody:  "body text",
		},
		{
			name:      "case-insensitive first header",
			body:      "SUBJECT: hi\n\nbody",
			allow:     defaultAllow,
			wantFound: true,
			wantBody:  "body",
		},
		{
			name:     "missing space after colon",
			body:     "Subject:hi\n\nbody",
			allow:    defaultAllow,
			wantBody: "Subject:hi\n\nbody",
		},
		{
			name:     "extraction disabled",
			body:     "Subject: hi\n\nbody",
			allow:    nil,
			wantBody: "Subject: hi\n\nbody",
		},
		{
			name:    "disallowed after valid first",
			body:    "Subject: hi\nBcc: x@example.com\n\nbody",
			allow:   defaultAllow,
			wantErr: true,
		},
		{
			name:     "empty value trims to a non-header line",
			body:     "Subject: \n\nbody",
			allow:    defaultAllow,
			wantBody: "Subject: \n\nbody",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block, err := ExtractHeaders(tt.body, tt.allow)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, block.Found)
			assert.Equal(t, tt.wantBody, block.Body)
		})
	}
}

func TestDisallowedHeadersError_Deduplicates(t *testing.T) {
	body := "Subject: s\nX-A: 1\nX-B: 2\nx-a: 3\n\nbody"
	_, err := ExtractHeaders(body, defaultAllow)

	var disallowed *DisallowedHeadersError
	require.True(t, errors.As(err, &disallowed))
	assert.Equal(t, []string{"x-a", "x-b"}, disallowed.Names)
	assert.Contains(t, err.Error(), "x-a, x-b")
}
