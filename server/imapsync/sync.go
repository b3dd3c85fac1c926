// Package imapsync watches one IMAP mailbox and hands every message that
// does not carry the gateway's seen keyword to a handler, then marks it.
//
// Two connections are used: one sits in IDLE waiting for the server to
// announce new mail, the other runs SEARCH/FETCH/STORE. Delivery is
// at-least-once: a message whose handler fails is still marked, a message
// that is handled but cannot be marked will be offered again.
package imapsync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailgate/mailgate/config"
	"github.com/mailgate/mailgate/consts"
	"github.com/mailgate/mailgate/helpers"
	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/metrics"
	"github.com/mailgate/mailgate/pkg/retry"
	"github.com/mailgate/mailgate/storage"
)

// Sync limits.
const (
	LimitDefault = 0  // Options.BatchLimit
	LimitNone    = -1 // every unseen message
)

const (
	DefaultIdleTimeout = 28 * time.Minute
	DefaultBatchLimit  = 3
)

// Handler receives the raw RFC 5322 bytes of one message.
type Handler func(ctx context.Context, uid imap.UID, raw []byte) error

type Options struct {
	ClientID         string
	IdleTimeout      time.Duration
	BatchLimit       int
	BootstrapMarkAll bool
	Backoff          retry.BackoffConfig
}

func OptionsFromConfig(cfg config.IMAPConfig) Options {
	return Options{
		ClientID:         cfg.ClientID,
		IdleTimeout:      cfg.GetIdleTimeoutWithDefault(),
		BatchLimit:       cfg.BatchLimit,
		BootstrapMarkAll: cfg.BootstrapMarkAll,
		Backoff: retry.BackoffConfig{
			InitialInterval: cfg.GetRetryInitialWithDefault(),
			MaxInterval:     cfg.GetRetryMaxWithDefault(),
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      retry.Forever,
		},
	}
}

// SyncResult summarizes one Sync pass.
type SyncResult struct {
	Found     int // unseen messages on the server
	Selected  int // after applying the limit
	Processed int
	Failed    int
	Marked    int
	Highest   imap.UID // highest UID marked in this pass
}

// Status is a snapshot for the status API.
type Status struct {
	LastSync    time.Time  `json:"last_sync"`
	LastError   string     `json:"last_error,omitempty"`
	LastResult  SyncResult `json:"last_result"`
	Watermark   uint32     `json:"watermark"`
	UIDValidity uint32     `json:"uid_validity"`
}

type Synchronizer struct {
	dialer  Dialer
	store   storage.KV
	handler Handler
	opts    Options
	keyword string

	// used only by the goroutine running Run
	session Session
	idle    IdleSession

	mu     sync.RWMutex
	status Status
	loaded bool
}

func New(dialer Dialer, store storage.KV, handler Handler, opts Options) *Synchronizer {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.Backoff.InitialInterval <= 0 {
		opts.Backoff = retry.DefaultBackoffConfig()
		opts.Backoff.MaxRetries = retry.Forever
	}
	return &Synchronizer{
		dialer:  dialer,
		store:   store,
		handler: handler,
		opts:    opts,
		keyword: SeenKeyword(opts.ClientID),
	}
}

// SeenKeyword builds the per-client keyword, e.g. "Seen_by_mgw1".
func SeenKeyword(clientID string) string {
	return string(helpers.SanitizeKeyword(consts.SeenKeywordPrefix + clientID))
}

func (s *Synchronizer) Keyword() string {
	return s.keyword
}

func (s *Synchronizer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastSuccess is the time the last Sync pass finished without a search error.
func (s *Synchronizer) LastSuccess() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.LastSync
}

func (s *Synchronizer) loadWatermark() (found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true

	last, err := s.store.GetUint32(consts.StateKeyLastUID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("[IMAPSYNC] ignoring unreadable watermark", "error", err)
		}
		return false
	}
	validity, _ := s.store.GetUint32(consts.StateKeyUIDValidity)
	s.status.Watermark = last
	s.status.UIDValidity = validity
	metrics.WatermarkUID.Set(float64(last))
	return true
}

func (s *Synchronizer) persistWatermark(validity uint32, highest imap.UID) {
	s.mu.Lock()
	last := uint32(highest)
	if s.status.UIDValidity == validity && s.status.Watermark > last {
		last = s.status.Watermark
	}
	s.mu.Unlock()

	err := s.store.Update(map[string]any{
		consts.StateKeyLastUID:     strconv.FormatUint(uint64(last), 10),
		consts.StateKeyUIDValidity: strconv.FormatUint(uint64(validity), 10),
	})
	if err != nil {
		logger.Error("[IMAPSYNC] failed to persist watermark", "last_uid", last, "error", err)
		return
	}

	s.mu.Lock()
	s.status.Watermark = last
	s.status.UIDValidity = validity
	s.mu.Unlock()
	metrics.WatermarkUID.Set(float64(last))
}

func (s *Synchronizer) commandSession(ctx context.Context) (Session, error) {
	if s.session != nil {
		return s.session, nil
	}
	sess, err := s.dialer.DialSession(ctx, "cmd")
	if err != nil {
		return nil, err
	}
	s.session = sess
	return sess, nil
}

func (s *Synchronizer) idleSession(ctx context.Context) (IdleSession, error) {
	if s.idle != nil {
		return s.idle, nil
	}
	idle, err := s.dialer.DialIdle(ctx, "idle")
	if err != nil {
		return nil, err
	}
	s.idle = idle
	return idle, nil
}

// closeSessions drops the cached connections so the next pass redials.
func (s *Synchronizer) closeSessions() {
	if s.idle != nil {
		if err := s.idle.Close(); err != nil {
			logger.Debug("[IMAPSYNC] closing idle session", "error", err)
		}
		s.idle = nil
	}
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			logger.Debug("[IMAPSYNC] closing command session", "error", err)
		}
		s.session = nil
	}
}

// Work runs one IDLE cycle: enter IDLE, sync what is already there, then
// wait for a push or the idle timeout.
func (s *Synchronizer) Work(ctx context.Context) error {
	idle, err := s.idleSession(ctx)
	if err != nil {
		return err
	}
	if err := idle.StartIdle(ctx); err != nil {
		return err
	}

	if _, err := s.Sync(ctx, LimitDefault, true); err != nil {
		_ = idle.StopIdle()
		return err
	}

	pushed, err := idle.WaitIdle(ctx, s.opts.IdleTimeout)
	if err != nil {
		_ = idle.StopIdle()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if pushed {
		metrics.IdleWakeupsTotal.WithLabelValues("push").Inc()
	} else {
		metrics.IdleWakeupsTotal.WithLabelValues("timeout").Inc()
	}
	return idle.StopIdle()
}

// Sync processes up to limit unseen messages, newest first, on the cached
// command session.
func (s *Synchronizer) Sync(ctx context.Context, limit int, process bool) (SyncResult, error) {
	sess, err := s.commandSession(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	return s.syncWith(ctx, sess, limit, process)
}

// MarkAllSeen marks every unseen message without handling it. It uses its
// own connection.
func (s *Synchronizer) MarkAllSeen(ctx context.Context) (SyncResult, error) {
	if !s.isLoaded() {
		s.loadWatermark()
	}
	sess, err := s.dialer.DialSession(ctx, "markall")
	if err != nil {
		return SyncResult{}, err
	}
	defer sess.Close()

	res, err := s.syncWith(ctx, sess, LimitNone, false)
	if err == nil {
		logger.Info("[IMAPSYNC] marked all messages seen", "marked", res.Marked, "keyword", s.keyword)
	}
	return res, err
}

func (s *Synchronizer) isLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func (s *Synchronizer) syncWith(ctx context.Context, sess Session, limit int, process bool) (res SyncResult, err error) {
	start := time.Now()
	defer func() {
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
		s.mu.Lock()
		if err != nil {
			s.status.LastError = err.Error()
		} else {
			s.status.LastError = ""
			s.status.LastSync = time.Now()
			s.status.LastResult = res
		}
		s.mu.Unlock()
	}()

	uids, err := sess.SearchUnseen(ctx, s.keyword)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	res.Found = len(uids)

	uids = selectNewest(uids, s.effectiveLimit(limit))
	res.Selected = len(uids)
	if len(uids) > 0 {
		logger.Info("[IMAPSYNC] processing unseen messages", "found", res.Found, "selected", res.Selected, "process", process)
	}

	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		s.processOne(ctx, sess, uid, process, &res)
	}

	if res.Marked > 0 {
		s.persistWatermark(sess.UIDValidity(), res.Highest)
	}

	if err := ctx.Err(); err != nil {
		metrics.SyncRunsTotal.WithLabelValues("cancelled").Inc()
		return res, err
	}
	metrics.SyncRunsTotal.WithLabelValues("success").Inc()
	metrics.SyncLastSuccess.SetToCurrentTime()
	return res, nil
}

func (s *Synchronizer) processOne(ctx context.Context, sess Session, uid imap.UID, process bool, res *SyncResult) {
	raw, err := sess.Fetch(ctx, uid)
	if err != nil {
		// Left unmarked so the next pass retries it.
		logger.Error("[IMAPSYNC] fetch failed", "uid", uid, "error", err)
		metrics.MailsProcessedTotal.WithLabelValues("fetch_error").Inc()
		res.Failed++
		return
	}

	if process {
		if err := s.handler(ctx, uid, raw); err != nil {
			logger.Error("[IMAPSYNC] handler failed", "uid", uid, "error", err)
			metrics.MailsProcessedTotal.WithLabelValues("handler_error").Inc()
			res.Failed++
		} else {
			metrics.MailsProcessedTotal.WithLabelValues("bridged").Inc()
			res.Processed++
		}
	} else {
		metrics.MailsProcessedTotal.WithLabelValues("marked_only").Inc()
	}

	if err := sess.MarkSeen(ctx, uid, s.keyword); err != nil {
		logger.Error("[IMAPSYNC] failed to set seen keyword", "uid", uid, "keyword", s.keyword, "error", err)
		metrics.MarkSeenErrorsTotal.Inc()
		return
	}
	res.Marked++
	if uid > res.Highest {
		res.Highest = uid
	}
}

func (s *Synchronizer) effectiveLimit(limit int) int {
	switch {
	case limit == LimitDefault:
		return s.opts.BatchLimit
	case limit < 0:
		return 0
	default:
		return limit
	}
}

// selectNewest sorts uids newest first and keeps at most limit of them.
// limit 0 keeps all.
func selectNewest(uids []imap.UID, limit int) []imap.UID {
	out := make([]imap.UID, len(uids))
	copy(out, uids)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Run loads the watermark, bootstraps if configured, and loops Work until
// ctx is done. Any transport error is returned.
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.isLoaded() {
		if found := s.loadWatermark(); !found && s.opts.BootstrapMarkAll {
			logger.Info("[IMAPSYNC] no watermark yet, marking existing messages seen")
			if _, err := s.MarkAllSeen(ctx); err != nil {
				s.mu.Lock()
				s.loaded = false
				s.mu.Unlock()
				return err
			}
		}
	}

	for ctx.Err() == nil {
		if err := s.Work(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// RunWithRetry restarts Run with backoff after every error until ctx is done.
func (s *Synchronizer) RunWithRetry(ctx context.Context) error {
	defer s.closeSessions()

	backoff := retry.ExponentialBackoff(s.opts.Backoff)
	attempt := 0
	for {
		before := s.LastSuccess()
		err := s.Run(ctx)
		if ctx.Err() != nil {
			logger.Info("[IMAPSYNC] stopped")
			return nil
		}
		if err == nil {
			return nil
		}

		if s.LastSuccess().After(before) {
			attempt = 0
		}
		attempt++
		delay := backoff(attempt)
		logger.Error("[IMAPSYNC] synchronizer failed, restarting", "error", err, "attempt", attempt, "delay", delay)
		metrics.IMAPRestartsTotal.Inc()
		s.closeSessions()

		if !retry.Sleep(ctx, delay) {
			logger.Info("[IMAPSYNC] stopped")
			return nil
		}
	}
}
