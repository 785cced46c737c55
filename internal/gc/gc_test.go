package gc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wofferl/proxmox-backup/internal/blob"
	"github.com/wofferl/proxmox-backup/internal/datastore"
	"github.com/wofferl/proxmox-backup/internal/digest"
)

func TestComputeCutoffNeverBelowMinWindow(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	cutoff := computeCutoff(now, time.Time{}, 0)
	require.Equal(t, now.Add(-MinSafetyWindow), cutoff)
}

func TestComputeCutoffWidensForOldWriter(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	oldest := now.Add(-48 * time.Hour)
	cutoff := computeCutoff(now, oldest, time.Hour)
	require.Equal(t, now.Add(-(48*time.Hour+time.Hour)), cutoff)
}

func TestRunKeepsFreshUnreferencedChunk(t *testing.T) {
	store, err := datastore.Open(t.TempDir())
	require.NoError(t, err)

	d := digest.Of([]byte("orphan chunk, referenced by nothing"))
	b, err := blob.Encode([]byte("orphan chunk, referenced by nothing"), nil, false)
	require.NoError(t, err)
	_, _, err = store.Chunks().InsertChunk(b.RawData(), d)
	require.NoError(t, err)
	require.True(t, store.Chunks().Exists(d))

	res, err := Run(store, Options{Grace: 0})
	require.NoError(t, err)
	require.Equal(t, 0, res.ManifestsRead)

	// cutoff is now-24h, well before the chunk's just-written atime, so an
	// honest sweep must keep it even though no manifest references it -
	// this package only marks what manifests say; it never removes a
	// fresh chunk purely for being unreferenced this instant.
	require.True(t, store.Chunks().Exists(d))
}
