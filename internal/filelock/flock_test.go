package filelock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

func TestTryExclusiveTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	ex, err := TryExclusive(path)
	require.NoError(t, err)
	defer ex.Close()

	_, err = TryExclusive(path)
	require.ErrorIs(t, err, xerrors.ErrLockBusy)
}

func TestRetryExclusiveSucceedsOnceReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	ex, err := TryExclusive(path)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		ex.Close()
		close(done)
	}()

	l, err := RetryExclusive(path, 2*time.Second)
	require.NoError(t, err)
	defer l.Close()
	<-done
}

func TestRetryExclusiveGivesUpWithinWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	ex, err := TryExclusive(path)
	require.NoError(t, err)
	defer ex.Close()

	start := time.Now()
	_, err = RetryExclusive(path, 150*time.Millisecond)
	require.ErrorIs(t, err, xerrors.ErrLockBusy)
	require.Less(t, time.Since(start), 2*time.Second)
}
