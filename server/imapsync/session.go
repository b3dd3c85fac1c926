package imapsync

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Session is a command connection with the bridged mailbox selected.
type Session interface {
	SearchUnseen(ctx context.Context, keyword string) ([]imap.UID, error)
	Fetch(ctx context.Context, uid imap.UID) ([]byte, error)
	MarkSeen(ctx context.Context, uid imap.UID, keyword string) error
	UIDValidity() uint32
	Close() error
}

// IdleSession is a second connection that only waits for mailbox changes.
type IdleSession interface {
	StartIdle(ctx context.Context) error
	// WaitIdle reports true when the server pushed a mailbox change before
	// timeout elapsed.
	WaitIdle(ctx context.Context, timeout time.Duration) (bool, error)
	StopIdle() error
	Close() error
}

// Dialer opens sessions. name only labels the connection in logs.
type Dialer interface {
	DialSession(ctx context.Context, name string) (Session, error)
	DialIdle(ctx context.Context, name string) (IdleSession, error)
}
