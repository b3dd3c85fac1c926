package imapsync

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailgate/mailgate/logger"
)

// LoggingDialer wraps a Dialer and logs every session call at debug level.
type LoggingDialer struct {
	Dialer Dialer
}

func (d LoggingDialer) DialSession(ctx context.Context, name string) (Session, error) {
	start := time.Now()
	s, err := d.Dialer.DialSession(ctx, name)
	logger.Debug("[IMAPSYNC] dial", "conn", name, "duration", time.Since(start), "error", err)
	if err != nil {
		return nil, err
	}
	return &loggingSession{name: name, s: s}, nil
}

func (d LoggingDialer) DialIdle(ctx context.Context, name string) (IdleSession, error) {
	start := time.Now()
	s, err := d.Dialer.DialIdle(ctx, name)
	logger.Debug("[IMAPSYNC] dial", "conn", name, "duration", time.Since(start), "error", err)
	if err != nil {
		return nil, err
	}
	return &loggingIdle{name: name, s: s}, nil
}

type loggingSession struct {
	name string
	s    Session
}

func (l *loggingSession) SearchUnseen(ctx context.Context, keyword string) ([]imap.UID, error) {
	uids, err := l.s.SearchUnseen(ctx, keyword)
	logger.Debug("[IMAPSYNC] search", "conn", l.name, "keyword", keyword, "found", len(uids), "error", err)
	return uids, err
}

func (l *loggingSession) Fetch(ctx context.Context, uid imap.UID) ([]byte, error) {
	raw, err := l.s.Fetch(ctx, uid)
	logger.Debug("[IMAPSYNC] fetch", "conn", l.name, "uid", uid, "bytes", len(raw), "error", err)
	return raw, err
}

func (l *loggingSession) MarkSeen(ctx context.Context, uid imap.UID, keyword string) error {
	err := l.s.MarkSeen(ctx, uid, keyword)
	logger.Debug("[IMAPSYNC] store", "conn", l.name, "uid", uid, "keyword", keyword, "error", err)
	return err
}

func (l *loggingSession) UIDValidity() uint32 { return l.s.UIDValidity() }

func (l *loggingSession) Close() error {
	err := l.s.Close()
	logger.Debug("[IMAPSYNC] close", "conn", l.name, "error", err)
	return err
}

type loggingIdle struct {
	name string
	s    IdleSession
}

func (l *loggingIdle) StartIdle(ctx context.Context) error {
	err := l.s.StartIdle(ctx)
	logger.Debug("[IMAPSYNC] idle start", "conn", l.name, "error", err)
	return err
}

func (l *loggingIdle) WaitIdle(ctx context.Context, timeout time.Duration) (bool, error) {
	start := time.Now()
	pushed, err := l.s.WaitIdle(ctx, timeout)
	logger.Debug("[IMAPSYNC] idle wait", "conn", l.name, "pushed", pushed, "waited", time.Since(start), "error", err)
	return pushed, err
}

func (l *loggingIdle) StopIdle() error {
	err := l.s.StopIdle()
	logger.Debug("[IMAPSYNC] idle stop", "conn", l.name, "error", err)
	return err
}

func (l *loggingIdle) Close() error {
	err := l.s.Close()
	logger.Debug("[IMAPSYNC] close", "conn", l.name, "error", err)
	return err
}
