package errors

import (
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracefulErrorUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewGracefulError("xmpp connect", cause)
	assert.Contains(t, err.Error(), "xmpp connect")
	assert.ErrorIs(t, err, cause)
}

func TestFatalErrorFirstWins(t *testing.T) {
	eh := NewErrorHandler()
	first := stderrors.New("first")
	eh.FatalError("a", first)
	eh.FatalError("b", stderrors.New("second"))

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, ExitFailure, code)
	assert.ErrorIs(t, eh.Err(), first)

	_, ok = eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok, "only one exit is queued")
}

func TestConfigAndValidationErrors(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("/nope.toml", os.ErrNotExist)
	assert.Equal(t, ExitFailure, eh.WaitForExit())

	eh = NewErrorHandler()
	eh.ValidationError("xmpp.secret", stderrors.New("required"))
	assert.Equal(t, ExitFailure, <-eh.ExitChannel())
}

func TestExitIsClean(t *testing.T) {
	eh := NewErrorHandler()
	eh.Exit()
	assert.Equal(t, ExitOK, eh.WaitForExit())
	assert.NoError(t, eh.Err())
}
