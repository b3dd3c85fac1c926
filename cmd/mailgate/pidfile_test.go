package main

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate/mailgate/pkg/errors"
	"github.com/mailgate/mailgate/storage"
)

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailgate.pid")

	require.NoError(t, writePIDFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	removePIDFile(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// removing twice is quiet
	removePIDFile(path)
}

func TestWritePIDFileStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailgate.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	require.NoError(t, writePIDFile(path))
}

func TestExitAfterCleanupRemovesPIDFileAndFlushesState(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "mailgate.pid")
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, writePIDFile(pidPath))

	store, err := storage.Open(statePath)
	require.NoError(t, err)
	state := storage.NewDelayed(store, time.Hour)
	require.NoError(t, state.SetUint32("watermark", 42))
	require.True(t, state.Pending())

	eh := errors.NewErrorHandler()
	eh.FatalError("gateway", stderrors.New("component rejected"))

	code := exitAfterCleanup(eh, &serviceDependencies{state: state}, pidPath)
	assert.Equal(t, errors.ExitFailure, code)

	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err), "pid file is removed on a fatal exit")

	reopened, err := storage.Open(statePath)
	require.NoError(t, err)
	watermark, err := reopened.GetUint32("watermark")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), watermark)
}
