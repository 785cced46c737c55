package worker

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSpawnSuccessLogsTaskOK(t *testing.T) {
	m := NewManager()
	id := m.Spawn("gc", "store1", "root@pam", func(h *Handle) error {
		h.Log("starting sweep")
		return nil
	})
	require.NoError(t, m.Wait(id))

	st, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, OK, st.Status)

	lines, err := m.ReadLog(id, 0, 10)
	require.NoError(t, err)
	require.Equal(t, "starting sweep", lines[0])
	require.Equal(t, "TASK OK", lines[len(lines)-1])
}

func TestSpawnFailureLogsTaskError(t *testing.T) {
	m := NewManager()
	id := m.Spawn("sync", "store1", "root@pam", func(h *Handle) error {
		return errors.New("remote unreachable")
	})
	require.NoError(t, m.Wait(id))

	st, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, Error, st.Status)
	require.Contains(t, st.ErrorMsg, "remote unreachable")

	lines, err := m.ReadLog(id, 0, 10)
	require.NoError(t, err)
	require.Contains(t, lines[len(lines)-1], "TASK ERROR")
}

func TestAbortSetsCancelledFlag(t *testing.T) {
	m := NewManager()
	started := make(chan struct{})
	id := m.Spawn("backup", "store1", "root@pam", func(h *Handle) error {
		close(started)
		for !h.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return errors.New("aborted by user")
	})
	<-started
	require.NoError(t, m.Abort(id))
	require.NoError(t, m.Wait(id))

	st, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, Error, st.Status)
}
