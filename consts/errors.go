package consts

import "errors"

// ErrMalformedMessage wraps mail that cannot be parsed at all.
var ErrMalformedMessage = errors.New("malformed message")
