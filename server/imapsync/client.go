package imapsync

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/mailgate/mailgate/config"
	"github.com/mailgate/mailgate/consts"
	"github.com/mailgate/mailgate/helpers"
	"github.com/mailgate/mailgate/logger"
)

var ErrMessageGone = errors.New("message not found on server")

// IMAPDialer opens real IMAP connections.
type IMAPDialer struct {
	cfg config.IMAPConfig
}

func NewIMAPDialer(cfg config.IMAPConfig) *IMAPDialer {
	if cfg.Mailbox == "" {
		cfg.Mailbox = consts.DefaultMailbox
	}
	return &IMAPDialer{cfg: cfg}
}

func (d *IMAPDialer) options(name string, handler *imapclient.UnilateralDataHandler) *imapclient.Options {
	host, _, err := net.SplitHostPort(d.cfg.Addr)
	if err != nil {
		host = d.cfg.Addr
	}
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: d.cfg.InsecureSkipVerify,
		},
		WordDecoder:           &mime.WordDecoder{CharsetReader: charset.Reader},
		UnilateralDataHandler: handler,
	}
	if d.cfg.DumpProtocol {
		opts.DebugWriter = traceWriter(name)
	}
	return opts
}

// traceWriter logs the raw protocol exchange with credentials masked.
func traceWriter(name string) io.Writer {
	return helpers.NewMaskingWriter(func(line string) {
		logger.Debug("[IMAPSYNC] trace", "conn", name, "line", line)
	})
}

func (d *IMAPDialer) connect(ctx context.Context, name string, handler *imapclient.UnilateralDataHandler) (*imapclient.Client, uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	opts := d.options(name, handler)

	var (
		c   *imapclient.Client
		err error
	)
	switch {
	case d.cfg.TLS:
		c, err = imapclient.DialTLS(d.cfg.Addr, opts)
	case d.cfg.StartTLS:
		c, err = imapclient.DialStartTLS(d.cfg.Addr, opts)
	default:
		c, err = imapclient.DialInsecure(d.cfg.Addr, opts)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s: %w", d.cfg.Addr, err)
	}

	if err := c.Login(d.cfg.Username, d.cfg.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, 0, fmt.Errorf("login as %s: %w", d.cfg.Username, err)
	}

	data, err := c.Select(d.cfg.Mailbox, nil).Wait()
	if err != nil {
		_ = c.Logout().Wait()
		_ = c.Close()
		return nil, 0, fmt.Errorf("select %s: %w", d.cfg.Mailbox, err)
	}
	return c, data.UIDValidity, nil
}

func (d *IMAPDialer) DialSession(ctx context.Context, name string) (Session, error) {
	c, validity, err := d.connect(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	return &clientSession{c: c, validity: validity}, nil
}

func (d *IMAPDialer) DialIdle(ctx context.Context, name string) (IdleSession, error) {
	updates := make(chan struct{}, 1)
	handler := &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages == nil {
				return
			}
			select {
			case updates <- struct{}{}:
			default:
			}
		},
	}
	c, _, err := d.connect(ctx, name, handler)
	if err != nil {
		return nil, err
	}
	return &idleSession{c: c, updates: updates}, nil
}

type clientSession struct {
	c        *imapclient.Client
	validity uint32
}

func (s *clientSession) SearchUnseen(ctx context.Context, keyword string) ([]imap.UID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.Flag(keyword)}}
	data, err := s.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	return data.AllUIDs(), nil
}

func (s *clientSession) Fetch(ctx context.Context, uid imap.UID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{Peek: true}
	cmd := s.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	msgs, err := cmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("uid fetch %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("uid fetch %d: %w", uid, ErrMessageGone)
	}
	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("uid fetch %d: no body in response", uid)
	}
	return body, nil
}

func (s *clientSession) MarkSeen(ctx context.Context, uid imap.UID, keyword string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.Flag(keyword)},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("uid store %d: %w", uid, err)
	}
	return nil
}

func (s *clientSession) UIDValidity() uint32 {
	return s.validity
}

func (s *clientSession) Close() error {
	_ = s.c.Logout().Wait()
	return s.c.Close()
}

type idleSession struct {
	c       *imapclient.Client
	updates chan struct{}

	cmd  *imapclient.IdleCommand
	done chan error
}

func (s *idleSession) StartIdle(ctx context.Context) error {
	if s.cmd != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Drop notifications that arrived outside IDLE; the sync that follows
	// StartIdle picks those messages up anyway.
	select {
	case <-s.updates:
	default:
	}

	cmd, err := s.c.Idle()
	if err != nil {
		return fmt.Errorf("idle: %w", err)
	}
	s.cmd = cmd
	s.done = make(chan error, 1)
	go func() { s.done <- cmd.Wait() }()
	return nil
}

func (s *idleSession) WaitIdle(ctx context.Context, timeout time.Duration) (bool, error) {
	if s.cmd == nil {
		return false, errors.New("idle not started")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.updates:
		return true, nil
	case err := <-s.done:
		// The server ended IDLE on its own; treat it like a push so the
		// caller syncs, and surface any error.
		s.cmd = nil
		if err != nil {
			return false, fmt.Errorf("idle ended: %w", err)
		}
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *idleSession) StopIdle() error {
	if s.cmd == nil {
		return nil
	}
	cmd := s.cmd
	s.cmd = nil
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("idle done: %w", err)
	}
	if err := <-s.done; err != nil {
		return fmt.Errorf("idle done: %w", err)
	}
	return nil
}

func (s *idleSession) Close() error {
	_ = s.StopIdle()
	_ = s.c.Logout().Wait()
	return s.c.Close()
}
