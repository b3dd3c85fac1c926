package smtpsink

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate/mailgate/config"
	"github.com/mailgate/mailgate/pkg/circuitbreaker"
)

type received struct {
	From string
	To   []string
	Data string
	User string
}

type backend struct {
	mu       sync.Mutex
	mails    []received
	rcptErr  error
	dataErr  error
	password string
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{b: b}, nil
}

func (b *backend) all() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.mails...)
}

type session struct {
	b   *backend
	cur received
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != s.b.password {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "invalid credentials",
			}
		}
		s.cur.User = username
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.cur.From = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.b.rcptErr != nil {
		return s.b.rcptErr
	}
	s.cur.To = append(s.cur.To, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.b.dataErr != nil {
		return s.b.dataErr
	}
	s.cur.Data = string(data)
	s.b.mu.Lock()
	s.b.mails = append(s.b.mails, s.cur)
	s.b.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.cur = received{User: s.cur.User}
}

func (s *session) Logout() error { return nil }

func startRelay(t *testing.T, be *backend) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := smtp.NewServer(be)
	srv.Domain = "relay.test"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return l.Addr().String()
}

func plainConfig(addr string) config.SMTPConfig {
	return config.SMTPConfig{
		Addr:                    addr,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   "1h",
	}
}

const msg = "From: me@example.org\r\nTo: you@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

func TestSendDelivers(t *testing.T) {
	be := &backend{}
	s := New(plainConfig(startRelay(t, be)))

	err := s.Send(context.Background(), "me@example.org", []string{"you@example.com", "cc@example.com"}, []byte(msg))
	require.NoError(t, err)

	mails := be.all()
	require.Len(t, mails, 1)
	assert.Equal(t, "me@example.org", mails[0].From)
	assert.Equal(t, []string{"you@example.com", "cc@example.com"}, mails[0].To)
	assert.Contains(t, mails[0].Data, "Subject: hi")
	assert.Contains(t, mails[0].Data, "hello")
}

func TestSendAuthenticates(t *testing.T) {
	be := &backend{password: "s3cret"}
	cfg := plainConfig(startRelay(t, be))
	cfg.Username = "gateway"
	cfg.Password = "s3cret"

	require.NoError(t, New(cfg).Send(context.Background(), "me@example.org", []string{"you@example.com"}, []byte(msg)))
	require.Len(t, be.all(), 1)
	assert.Equal(t, "gateway", be.all()[0].User)

	cfg.Password = "wrong"
	err := New(cfg).Send(context.Background(), "me@example.org", []string{"you@example.com"}, []byte(msg))
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
}

func TestRejectedRecipientIsPermanentAndDoesNotTrip(t *testing.T) {
	be := &backend{rcptErr: &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "no such user",
	}}
	s := New(plainConfig(startRelay(t, be)))

	for i := 0; i < 3; i++ {
		err := s.Send(context.Background(), "me@example.org", []string{"ghost@example.com"}, []byte(msg))
		require.Error(t, err)
		assert.True(t, IsPermanentError(err))
		var relayErr *RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Contains(t, relayErr.Error(), "permanent failure")
	}
	assert.Equal(t, circuitbreaker.StateClosed, s.Breaker().State())
}

func TestTemporaryFailuresOpenBreaker(t *testing.T) {
	be := &backend{dataErr: &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "try again later",
	}}
	s := New(plainConfig(startRelay(t, be)))

	for i := 0; i < 2; i++ {
		err := s.Send(context.Background(), "me@example.org", []string{"you@example.com"}, []byte(msg))
		require.Error(t, err)
		assert.False(t, IsPermanentError(err))
	}
	assert.Equal(t, circuitbreaker.StateOpen, s.Breaker().State())

	err := s.Send(context.Background(), "me@example.org", []string{"you@example.com"}, []byte(msg))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
}

func TestConnectionRefusedIsTemporary(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := New(plainConfig(addr))
	s.dial.InitialInterval = time.Millisecond
	s.dial.MaxInterval = time.Millisecond

	err = s.Send(context.Background(), "me@example.org", []string{"you@example.com"}, []byte(msg))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}

func TestNoRecipients(t *testing.T) {
	s := New(plainConfig("127.0.0.1:1"))
	err := s.Send(context.Background(), "me@example.org", nil, []byte(msg))
	assert.ErrorIs(t, err, ErrNoRecipients)
	assert.True(t, IsPermanentError(err))
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("eof")))
	assert.True(t, IsPermanentError(&smtp.SMTPError{Code: 554}))
	assert.False(t, IsPermanentError(&smtp.SMTPError{Code: 421}))
	assert.True(t, IsPermanentError(&RelayError{Err: errors.New("x"), Permanent: true}))
}
