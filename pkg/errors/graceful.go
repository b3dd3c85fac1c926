// Package errors routes fatal daemon errors to a single exit point in main.
package errors

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mailgate/mailgate/logger"
)

// Exit codes reported by the daemon.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// GracefulError records which operation failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler collects fatal errors from any goroutine. The first one wins;
// main picks it up from WaitForExit and shuts down.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
	lastErr     chan error
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		lastErr:     make(chan error, 1),
		logger:      log.New(os.Stderr, "[mailgate] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) signal(code int, err error) {
	select {
	case eh.exitChannel <- code:
		eh.lastErr <- err
	default:
	}
}

// FatalError reports an unrecoverable runtime failure, such as the chat
// component failing its initial connect.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	gracefulErr := NewGracefulError(operation, err)
	logger.Error("FATAL", "operation", operation, "error", err)
	eh.signal(ExitFailure, gracefulErr)
}

// ConfigError reports a configuration file that could not be read or parsed.
// It writes to stderr directly since logging may not be set up yet.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.signal(ExitFailure, err)
}

// ValidationError reports an invalid merged configuration.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.signal(ExitFailure, err)
}

// Exit reports a normal termination request, for example after a one-shot command.
func (eh *ErrorHandler) Exit() {
	eh.signal(ExitOK, nil)
}

// ExitChannel lets callers select on the exit code alongside other events.
func (eh *ErrorHandler) ExitChannel() <-chan int {
	return eh.exitChannel
}

// Err returns the error that triggered the exit, if any. Call it after
// receiving from ExitChannel or WaitForExit.
func (eh *ErrorHandler) Err() error {
	select {
	case err := <-eh.lastErr:
		return err
	default:
		return nil
	}
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
