package imapsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate/mailgate/consts"
	"github.com/mailgate/mailgate/pkg/retry"
	"github.com/mailgate/mailgate/storage"
)

// fakeMailbox is shared by every session a fakeDialer hands out.
type fakeMailbox struct {
	mu          sync.Mutex
	messages    map[imap.UID][]byte
	keywords    map[imap.UID]map[string]bool
	validity    uint32
	searchErr   error
	fetchErr    map[imap.UID]error
	markErr     map[imap.UID]error
	fetched     []imap.UID
	pushes      chan struct{}
	dialErrs    []error
	dialed      []string
	closedCount int
}

func newFakeMailbox(uids ...imap.UID) *fakeMailbox {
	mb := &fakeMailbox{
		messages: make(map[imap.UID][]byte),
		keywords: make(map[imap.UID]map[string]bool),
		validity: 42,
		fetchErr: make(map[imap.UID]error),
		markErr:  make(map[imap.UID]error),
		pushes:   make(chan struct{}, 8),
	}
	for _, uid := range uids {
		mb.add(uid)
	}
	return mb
}

func (mb *fakeMailbox) add(uid imap.UID) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.messages[uid] = []byte(fmt.Sprintf("Subject: message %d\r\n\r\nbody\r\n", uid))
	mb.keywords[uid] = make(map[string]bool)
}

func (mb *fakeMailbox) has(uid imap.UID, keyword string) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.keywords[uid][keyword]
}

func (mb *fakeMailbox) DialSession(ctx context.Context, name string) (Session, error) {
	if err := mb.dial(name); err != nil {
		return nil, err
	}
	return &fakeSession{mb: mb}, nil
}

func (mb *fakeMailbox) DialIdle(ctx context.Context, name string) (IdleSession, error) {
	if err := mb.dial(name); err != nil {
		return nil, err
	}
	return &fakeIdle{mb: mb}, nil
}

func (mb *fakeMailbox) dial(name string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.dialed = append(mb.dialed, name)
	if len(mb.dialErrs) > 0 {
		err := mb.dialErrs[0]
		mb.dialErrs = mb.dialErrs[1:]
		return err
	}
	return nil
}

type fakeSession struct{ mb *fakeMailbox }

func (s *fakeSession) SearchUnseen(ctx context.Context, keyword string) ([]imap.UID, error) {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	if s.mb.searchErr != nil {
		return nil, s.mb.searchErr
	}
	var uids []imap.UID
	for uid := range s.mb.messages {
		if !s.mb.keywords[uid][keyword] {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (s *fakeSession) Fetch(ctx context.Context, uid imap.UID) ([]byte, error) {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	s.mb.fetched = append(s.mb.fetched, uid)
	if err := s.mb.fetchErr[uid]; err != nil {
		return nil, err
	}
	return s.mb.messages[uid], nil
}

func (s *fakeSession) MarkSeen(ctx context.Context, uid imap.UID, keyword string) error {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	if err := s.mb.markErr[uid]; err != nil {
		return err
	}
	s.mb.keywords[uid][keyword] = true
	return nil
}

func (s *fakeSession) UIDValidity() uint32 {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	return s.mb.validity
}

func (s *fakeSession) Close() error {
	s.mb.mu.Lock()
	s.mb.closedCount++
	s.mb.mu.Unlock()
	return nil
}

type fakeIdle struct {
	mb     *fakeMailbox
	idling bool
}

func (f *fakeIdle) StartIdle(ctx context.Context) error {
	f.idling = true
	return nil
}

func (f *fakeIdle) WaitIdle(ctx context.Context, timeout time.Duration) (bool, error) {
	select {
	case <-f.mb.pushes:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (f *fakeIdle) StopIdle() error {
	f.idling = false
	return nil
}

func (f *fakeIdle) Close() error { return nil }

type recorder struct {
	mu   sync.Mutex
	uids []imap.UID
	fail map[imap.UID]bool
	hook func()
}

func (r *recorder) handle(ctx context.Context, uid imap.UID, raw []byte) error {
	r.mu.Lock()
	r.uids = append(r.uids, uid)
	fail := r.fail[uid]
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return errors.New("xmpp send failed")
	}
	return nil
}

func (r *recorder) seen() []imap.UID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]imap.UID(nil), r.uids...)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return st
}

func fastOptions() Options {
	return Options{
		ClientID:    "mgw1",
		IdleTimeout: time.Hour,
		BatchLimit:  3,
		Backoff: retry.BackoffConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			MaxRetries:      retry.Forever,
		},
	}
}

func TestSyncNewestFirstWithBatchLimit(t *testing.T) {
	mb := newFakeMailbox(1, 2, 3, 4, 5)
	st := openStore(t)
	rec := &recorder{}
	s := New(mb, st, rec.handle, fastOptions())

	res, err := s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{5, 4, 3}, rec.seen())
	assert.Equal(t, SyncResult{Found: 5, Selected: 3, Processed: 3, Marked: 3, Highest: 5}, res)

	for _, uid := range []imap.UID{3, 4, 5} {
		assert.True(t, mb.has(uid, "Seen_by_mgw1"))
	}
	assert.False(t, mb.has(1, "Seen_by_mgw1"))

	last, err := st.GetString(consts.StateKeyLastUID)
	require.NoError(t, err)
	assert.Equal(t, "5", last)
	validity, err := st.GetUint32(consts.StateKeyUIDValidity)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), validity)

	// The next pass picks up the older remainder.
	_, err = s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{5, 4, 3, 2, 1}, rec.seen())

	// Nothing left, nothing handled.
	res, err = s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	assert.Zero(t, res.Found)
	assert.Len(t, rec.seen(), 5)
}

func TestSyncExplicitLimitAndNoLimit(t *testing.T) {
	mb := newFakeMailbox(10, 20, 30, 40)
	rec := &recorder{}
	s := New(mb, openStore(t), rec.handle, fastOptions())

	_, err := s.Sync(context.Background(), 1, true)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{40}, rec.seen())

	res, err := s.Sync(context.Background(), LimitNone, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, []imap.UID{40, 30, 20, 10}, rec.seen())
}

func TestFetchFailureLeavesMessageUnmarked(t *testing.T) {
	mb := newFakeMailbox(1, 2, 3)
	mb.fetchErr[2] = errors.New("connection reset")
	rec := &recorder{}
	s := New(mb, openStore(t), rec.handle, fastOptions())

	res, err := s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{3, 1}, rec.seen())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Marked)
	assert.False(t, mb.has(2, s.Keyword()))
}

func TestHandlerFailureStillMarks(t *testing.T) {
	mb := newFakeMailbox(1, 2)
	rec := &recorder{fail: map[imap.UID]bool{2: true}}
	s := New(mb, openStore(t), rec.handle, fastOptions())

	res, err := s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.Marked)
	assert.True(t, mb.has(2, s.Keyword()))
}

func TestMarkFailureIsNotFatal(t *testing.T) {
	mb := newFakeMailbox(1, 2)
	mb.markErr[2] = errors.New("NO [CANNOT] keywords not allowed")
	st := openStore(t)
	rec := &recorder{}
	s := New(mb, st, rec.handle, fastOptions())

	res, err := s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Marked)
	assert.Equal(t, imap.UID(1), res.Highest)

	last, err := st.GetUint32(consts.StateKeyLastUID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), last)
}

func TestSearchFailureIsReturned(t *testing.T) {
	mb := newFakeMailbox(1)
	mb.searchErr = errors.New("BAD search")
	s := New(mb, openStore(t), (&recorder{}).handle, fastOptions())

	_, err := s.Sync(context.Background(), LimitDefault, true)
	require.Error(t, err)
	assert.Equal(t, "BAD search", s.Status().LastError)
	assert.True(t, s.LastSuccess().IsZero())
}

func TestNoMarksNoWatermark(t *testing.T) {
	mb := newFakeMailbox()
	st := openStore(t)
	s := New(mb, st, (&recorder{}).handle, fastOptions())

	_, err := s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	_, ok := st.Get(consts.StateKeyLastUID)
	assert.False(t, ok)
	assert.False(t, s.LastSuccess().IsZero())
}

func TestWatermarkNeverRollsBack(t *testing.T) {
	mb := newFakeMailbox(5)
	st := openStore(t)
	require.NoError(t, st.Update(map[string]any{
		consts.StateKeyLastUID:     "10",
		consts.StateKeyUIDValidity: "42",
		"unrelated":                true,
	}))
	s := New(mb, st, (&recorder{}).handle, fastOptions())
	require.True(t, s.loadWatermark())

	_, err := s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	last, _ := st.GetUint32(consts.StateKeyLastUID)
	assert.Equal(t, uint32(10), last)

	// A new UIDVALIDITY starts a new series.
	mb.validity = 43
	mb.add(3)
	_, err = s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	last, _ = st.GetUint32(consts.StateKeyLastUID)
	assert.Equal(t, uint32(3), last)
	assert.Equal(t, uint32(43), s.Status().UIDValidity)

	_, ok := st.Get("unrelated")
	assert.True(t, ok)
}

func TestMarkAllSeenUsesOwnSession(t *testing.T) {
	mb := newFakeMailbox(1, 2, 3, 4, 5, 6)
	rec := &recorder{}
	s := New(mb, openStore(t), rec.handle, fastOptions())

	res, err := s.MarkAllSeen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Marked)
	assert.Zero(t, res.Processed)
	assert.Empty(t, rec.seen())
	assert.Equal(t, []string{"markall"}, mb.dialed)
	assert.Equal(t, 1, mb.closedCount)
}

func TestRunBootstrapsThenIdles(t *testing.T) {
	mb := newFakeMailbox(1, 2)
	opts := fastOptions()
	opts.BootstrapMarkAll = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{hook: cancel}
	s := New(mb, openStore(t), rec.handle, opts)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Existing mail was marked, not bridged. New mail arrives and is pushed.
	require.Eventually(t, func() bool { return mb.has(2, s.Keyword()) }, time.Second, time.Millisecond)
	mb.add(3)
	mb.pushes <- struct{}{}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, []imap.UID{3}, rec.seen())
}

func TestRunWithRetryRecoversFromDialErrors(t *testing.T) {
	mb := newFakeMailbox(7)
	mb.dialErrs = []error{errors.New("connection refused"), errors.New("connection refused")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{hook: cancel}
	s := New(mb, openStore(t), rec.handle, fastOptions())

	err := s.RunWithRetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{7}, rec.seen())
	assert.GreaterOrEqual(t, len(mb.dialed), 3)
}

func TestRunWithRetryStopsDuringBackoff(t *testing.T) {
	mb := newFakeMailbox()
	for i := 0; i < 100; i++ {
		mb.dialErrs = append(mb.dialErrs, errors.New("down"))
	}
	opts := fastOptions()
	opts.Backoff.InitialInterval = time.Hour
	opts.Backoff.MaxInterval = time.Hour
	s := New(mb, openStore(t), (&recorder{}).handle, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.RunWithRetry(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSeenKeyword(t *testing.T) {
	assert.Equal(t, "Seen_by_mgw1", SeenKeyword("mgw1"))
	assert.Equal(t, "Seen_by_a_b", SeenKeyword("a b"))
}

func TestSelectNewest(t *testing.T) {
	in := []imap.UID{3, 9, 1, 7}
	assert.Equal(t, []imap.UID{9, 7}, selectNewest(in, 2))
	assert.Equal(t, []imap.UID{9, 7, 3, 1}, selectNewest(in, 0))
	assert.Equal(t, []imap.UID{3, 9, 1, 7}, in, "input untouched")
}
