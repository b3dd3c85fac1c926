// Package xmpp is an XEP-0114 external component. It keeps one stream to
// the XMPP server open, answers service discovery, mirrors presence and
// hands chat messages addressed to the component's users to a handler.
package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mailgate/mailgate/bridge"
	"github.com/mailgate/mailgate/config"
	"github.com/mailgate/mailgate/consts"
	"github.com/mailgate/mailgate/helpers"
	"github.com/mailgate/mailgate/jid"
	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/metrics"
	"github.com/mailgate/mailgate/pkg/retry"
)

var (
	ErrInitialConnect = errors.New("initial connection to xmpp server failed")
	ErrAuthFailed     = errors.New("component handshake rejected")
	ErrNotOnline      = errors.New("component is not online")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateOnline
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MessageHandler receives chat messages addressed to a user of the component.
type MessageHandler func(ctx context.Context, msg *bridge.ChatMessage)

type Options struct {
	ComponentJID    jid.JID
	ServerAddr      string
	Secret          string
	DiscoName       string
	ProcessTimeout  time.Duration
	ReconnectDelay  time.Duration
	ConnectAttempts int
	SendTimeout     time.Duration
	DumpProtocol    bool

	// Dial defaults to a TCP dial of ServerAddr.
	Dial func(ctx context.Context) (net.Conn, error)
}

func OptionsFromConfig(cfg config.XMPPConfig) (Options, error) {
	component, err := jid.Parse(cfg.ComponentJID)
	if err != nil {
		return Options{}, fmt.Errorf("component_jid: %w", err)
	}
	return Options{
		ComponentJID:    component,
		ServerAddr:      cfg.ServerAddr,
		Secret:          cfg.Secret,
		DiscoName:       cfg.DiscoName,
		ProcessTimeout:  cfg.GetProcessTimeoutWithDefault(),
		ReconnectDelay:  cfg.GetReconnectDelayWithDefault(),
		ConnectAttempts: cfg.ConnectAttempts,
		SendTimeout:     cfg.GetSendTimeoutWithDefault(),
		DumpProtocol:    cfg.DumpProtocol,
	}, nil
}

type Transport struct {
	opts    Options
	handler MessageHandler
	state   atomic.Int32

	mu       sync.Mutex // guards stream and onlineCh
	stream   *stream
	onlineCh chan struct{}

	wmu sync.Mutex // serializes writes
}

func New(opts Options) *Transport {
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 5 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.DiscoName == "" {
		opts.DiscoName = "Mail Transport"
	}
	t := &Transport{
		opts:     opts,
		onlineCh: make(chan struct{}),
	}
	if t.opts.Dial == nil {
		t.opts.Dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", opts.ServerAddr)
		}
	}
	return t
}

// SetMessageHandler must be called before Run.
func (t *Transport) SetMessageHandler(h MessageHandler) {
	t.handler = h
}

func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) Online() bool {
	return t.State() == StateOnline
}

func (t *Transport) ComponentJID() jid.JID {
	return t.opts.ComponentJID
}

func (t *Transport) setState(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev == s {
		return
	}
	metrics.XMPPState.Set(float64(s))
	logger.Info("[XMPP] state changed", "from", prev.String(), "to", s.String())

	t.mu.Lock()
	defer t.mu.Unlock()
	if s == StateOnline {
		close(t.onlineCh)
	} else if prev == StateOnline {
		t.onlineCh = make(chan struct{})
	}
}

// waitOnline blocks until the session is online, timeout passes or ctx ends.
func (t *Transport) waitOnline(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	ch := t.onlineCh
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrNotOnline
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect dials, opens the stream and authenticates.
func (t *Transport) connect(ctx context.Context) (*stream, error) {
	t.setState(StateConnecting)
	conn, err := t.opts.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.opts.ServerAddr, err)
	}
	if t.opts.DumpProtocol {
		conn = newLoggingConn(conn)
	}

	handshakeTimeout := t.opts.SendTimeout
	s, err := openStream(conn, t.opts.ComponentJID.Domain, handshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	t.setState(StateAuthenticating)
	if err := s.authenticate(t.opts.Secret, handshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	t.mu.Lock()
	t.stream = s
	t.mu.Unlock()
	t.setState(StateOnline)
	logger.Info("[XMPP] component online", "jid", t.opts.ComponentJID.String(), "server", t.opts.ServerAddr)
	return s, nil
}

// connectInitial tries ConnectAttempts times. A rejected handshake is not retried.
func (t *Transport) connectInitial(ctx context.Context) (*stream, error) {
	var lastErr error
	for attempt := 1; attempt <= t.opts.ConnectAttempts; attempt++ {
		if attempt > 1 && !retry.Sleep(ctx, t.opts.ReconnectDelay) {
			return nil, ctx.Err()
		}
		s, err := t.connect(ctx)
		if err == nil {
			return s, nil
		}
		lastErr = err
		t.setState(StateDisconnected)
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		logger.Warn("[XMPP] connect failed", "attempt", attempt, "of", t.opts.ConnectAttempts, "error", err)
	}
	return nil, lastErr
}

// reconnect retries with growing delays until it succeeds or ctx ends.
func (t *Transport) reconnect(ctx context.Context) (*stream, error) {
	t.setState(StateReconnecting)
	backoff := retry.ExponentialBackoff(retry.BackoffConfig{
		InitialInterval: t.opts.ReconnectDelay,
		MaxInterval:     12 * t.opts.ReconnectDelay,
		Multiplier:      2,
		Jitter:          true,
	})
	for attempt := 1; ; attempt++ {
		if !retry.Sleep(ctx, backoff(attempt)) {
			return nil, ctx.Err()
		}
		s, err := t.connect(ctx)
		if err == nil {
			metrics.XMPPReconnectsTotal.WithLabelValues("success").Inc()
			return s, nil
		}
		metrics.XMPPReconnectsTotal.WithLabelValues("failure").Inc()
		logger.Warn("[XMPP] reconnect failed", "attempt", attempt, "error", err)
		t.setState(StateReconnecting)
	}
}

// Run connects and serves the stream until ctx is done. It returns an
// error only when the initial connection cannot be established.
func (t *Transport) Run(ctx context.Context) error {
	s, err := t.connectInitial(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrInitialConnect, err)
	}

	for {
		err := t.serve(ctx, s)
		t.dropStream(s, ctx.Err() != nil)
		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			logger.Info("[XMPP] stopped")
			return nil
		}
		logger.Warn("[XMPP] connection lost", "error", err)

		s, err = t.reconnect(ctx)
		if err != nil {
			t.setState(StateDisconnected)
			logger.Info("[XMPP] stopped")
			return nil
		}
	}
}

// dropStream forgets s and closes its connection, politely when asked.
func (t *Transport) dropStream(s *stream, graceful bool) {
	t.mu.Lock()
	if t.stream == s {
		t.stream = nil
	}
	t.mu.Unlock()

	if graceful {
		t.wmu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = io.WriteString(s.conn, streamFooter)
		t.wmu.Unlock()
	}
	_ = s.conn.Close()
}

// serve is the control loop for one connection. A reader goroutine feeds
// decoded stanzas; the loop also wakes every ProcessTimeout so a stop
// request is noticed even when the stream is quiet.
func (t *Transport) serve(ctx context.Context, s *stream) error {
	stanzas := make(chan any)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			v, err := s.readStanza()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case stanzas <- v:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(t.opts.ProcessTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case v := <-stanzas:
			t.dispatch(ctx, v)
		case <-ticker.C:
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, v any) {
	switch st := v.(type) {
	case *messageStanza:
		metrics.XMPPStanzasTotal.WithLabelValues("in", "message").Inc()
		t.handleMessage(ctx, st)
	case *presenceStanza:
		metrics.XMPPStanzasTotal.WithLabelValues("in", "presence").Inc()
		t.handlePresence(st)
	case *iqStanza:
		metrics.XMPPStanzasTotal.WithLabelValues("in", "iq").Inc()
		t.handleIQ(st)
	}
}

func (t *Transport) handleMessage(ctx context.Context, st *messageStanza) {
	if st.Type == bridge.TypeError {
		logger.Warn("[XMPP] error message received", "from", st.From, "condition", st.Error.condition())
		return
	}

	from, err := jid.Parse(st.From)
	if err != nil {
		logger.Warn("[XMPP] message with malformed sender", "from", st.From, "error", err)
		t.replyMessageError(st, JIDMalformed, "malformed sender address")
		return
	}
	to, err := jid.Parse(st.To)
	if err != nil {
		t.replyMessageError(st, JIDMalformed, "malformed recipient address")
		return
	}
	if to.Local == "" {
		t.replyMessageError(st, ItemNotFound, "no recipient address given")
		return
	}

	msgType := st.Type
	if msgType == "" {
		msgType = bridge.TypeNormal
	}
	msg := &bridge.ChatMessage{
		ID:   st.ID,
		Type: msgType,
		From: from,
		To:   to,
		Body: st.Body,
	}
	if st.Subject != nil && strings.TrimSpace(*st.Subject) != "" {
		subject := *st.Subject
		msg.Subject = &subject
	}

	if t.handler == nil {
		logger.Warn("[XMPP] no message handler, dropping", "from", st.From)
		return
	}
	t.handler(ctx, msg)
}

func (t *Transport) replyMessageError(st *messageStanza, cond Condition, text string) {
	reply := &messageStanza{
		ID:    st.ID,
		Type:  bridge.TypeError,
		From:  st.To,
		To:    st.From,
		Body:  st.Body,
		Error: newStanzaError(cond, text),
	}
	if err := t.write(reply); err != nil {
		logger.Warn("[XMPP] failed to send error reply", "condition", cond, "error", err)
	}
}

var mirroredPresence = map[string]bool{
	"subscribe":    true,
	"subscribed":   true,
	"unsubscribe":  true,
	"unsubscribed": true,
	"unavailable":  true,
}

// handlePresence mirrors subscription state back so every contact of the
// component appears subscribed and online.
func (t *Transport) handlePresence(st *presenceStanza) {
	var replyType string
	switch {
	case st.Type == "error":
		return
	case mirroredPresence[st.Type]:
		replyType = st.Type
	case st.Type == "probe", st.Type == "":
		replyType = ""
	default:
		logger.Debug("[XMPP] ignoring presence", "type", st.Type, "from", st.From)
		return
	}

	reply := &presenceStanza{
		ID:   uuid.NewString(),
		Type: replyType,
		From: st.To,
		To:   st.From,
	}
	if err := t.write(reply); err != nil {
		logger.Warn("[XMPP] failed to send presence", "error", err)
	}
}

func (t *Transport) handleIQ(st *iqStanza) {
	if st.Type != "get" && st.Type != "set" {
		return
	}

	reply := &iqReply{ID: st.ID, Type: "result", From: st.To, To: st.From}
	to, err := jid.Parse(st.To)
	switch {
	case err != nil || to.Local != "" || !to.SameDomain(t.opts.ComponentJID.Domain):
		reply.Type, reply.Error = "error", newStanzaError(JIDMalformed, "")
	case st.Query == nil || st.Type != "get":
		reply.Type, reply.Error = "error", newStanzaError(ServiceUnavailable, "")
	case st.Query.XMLName.Space == nsDiscoInfo:
		if st.Query.Node != "" {
			reply.Type, reply.Error = "error", newStanzaError(ItemNotFound, "")
			break
		}
		reply.Payload = discoInfo{
			Identities: []identity{{Category: "gateway", Type: "smtp", Name: t.opts.DiscoName}},
			Features: []feature{
				{Var: nsDiscoInfo},
				{Var: nsDiscoItem},
				{Var: nsVersion},
			},
		}
	case st.Query.XMLName.Space == nsDiscoItem:
		if st.Query.Node != "" {
			reply.Type, reply.Error = "error", newStanzaError(ItemNotFound, "")
			break
		}
		reply.Payload = discoItems{}
	case st.Query.XMLName.Space == nsVersion:
		reply.Payload = versionInfo{Name: consts.SoftwareName, Version: consts.Version}
	default:
		reply.Type, reply.Error = "error", newStanzaError(ServiceUnavailable, "")
	}

	if err := t.write(reply); err != nil {
		logger.Warn("[XMPP] failed to answer iq", "id", st.ID, "error", err)
	}
}

// write marshals v and sends it on the current stream.
func (t *Transport) write(v any) error {
	out, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stanza: %w", err)
	}

	t.mu.Lock()
	s := t.stream
	t.mu.Unlock()
	if s == nil {
		return ErrNotOnline
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(t.opts.SendTimeout))
	if _, err := s.conn.Write(out); err != nil {
		// The reader sees the closed conn and the control loop reconnects.
		_ = s.conn.Close()
		return fmt.Errorf("write stanza: %w", err)
	}
	metrics.XMPPStanzasTotal.WithLabelValues("out", stanzaKind(v)).Inc()
	return nil
}

func stanzaKind(v any) string {
	switch v.(type) {
	case *messageStanza:
		return "message"
	case *presenceStanza:
		return "presence"
	case *iqReply:
		return "iq"
	default:
		return "other"
	}
}

// Send delivers msg, waiting up to SendTimeout for the session to be online.
func (t *Transport) Send(ctx context.Context, msg *bridge.ChatMessage) error {
	if err := t.waitOnline(ctx, t.opts.SendTimeout); err != nil {
		return err
	}
	st := &messageStanza{
		ID:      msg.ID,
		Type:    msg.Type,
		From:    msg.From.String(),
		To:      msg.To.String(),
		Subject: msg.Subject,
		Body:    sanitizeBody(msg.Body),
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	return t.write(st)
}

// SendError answers original with a stanza error of the given condition.
func (t *Transport) SendError(ctx context.Context, original *bridge.ChatMessage, cond Condition, text string) error {
	if err := t.waitOnline(ctx, t.opts.SendTimeout); err != nil {
		return err
	}
	st := &messageStanza{
		ID:    original.ID,
		Type:  bridge.TypeError,
		From:  original.To.String(),
		To:    original.From.String(),
		Body:  sanitizeBody(original.Body),
		Error: newStanzaError(cond, text),
	}
	return t.write(st)
}

func sanitizeBody(s string) string {
	return helpers.StripXMLInvalid(s)
}
