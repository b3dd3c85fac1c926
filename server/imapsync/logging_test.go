package imapsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingDialerPassesThrough(t *testing.T) {
	mb := newFakeMailbox(1, 2)
	d := LoggingDialer{Dialer: mb}
	rec := &recorder{}
	s := New(d, openStore(t), rec.handle, fastOptions())

	res, err := s.Sync(context.Background(), LimitDefault, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Marked)
	assert.Equal(t, uint32(42), s.Status().UIDValidity)

	idle, err := d.DialIdle(context.Background(), "idle")
	require.NoError(t, err)
	require.NoError(t, idle.StartIdle(context.Background()))
	mb.pushes <- struct{}{}
	pushed, err := idle.WaitIdle(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, pushed)
	require.NoError(t, idle.StopIdle())
	require.NoError(t, idle.Close())
}

func TestTraceWriterDoesNotFail(t *testing.T) {
	w := traceWriter("cmd")
	n, err := w.Write([]byte("a1 LOGIN user secret\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 22, n)
}
