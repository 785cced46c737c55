package syncjob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wofferl/proxmox-backup/internal/blob"
	"github.com/wofferl/proxmox-backup/internal/datastore"
	"github.com/wofferl/proxmox-backup/internal/digest"
	"github.com/wofferl/proxmox-backup/internal/index"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

// fakeSource is an in-memory Source backed by a second datastore.Store, so
// tests exercise the real index/manifest code without a network transport
// (out of scope per spec.md §1).
type fakeSource struct {
	store *datastore.Store
}

func (f *fakeSource) ListGroups(ctx context.Context) ([]datastore.Group, error) {
	return f.store.ListGroups()
}

func (f *fakeSource) ListSnapshots(ctx context.Context, g datastore.Group) ([]datastore.Snapshot, error) {
	return f.store.ListSnapshots(g)
}

func (f *fakeSource) ReadManifest(ctx context.Context, snap datastore.Snapshot) (*datastore.Manifest, error) {
	return f.store.ReadManifest(snap)
}

func (f *fakeSource) OpenIndex(ctx context.Context, snap datastore.Snapshot, fe datastore.FileEntry) (index.IndexFile, error) {
	path := f.store.Root() + "/" + snap.RelativePath() + "/" + fe.Filename
	if fe.Kind == datastore.FileFixedIndex {
		return index.OpenFixed(path)
	}
	return index.OpenDynamic(path)
}

func (f *fakeSource) ReadRawBlob(ctx context.Context, snap datastore.Snapshot, filename string) ([]byte, error) {
	return nil, nil
}

func (f *fakeSource) ReadRawChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	return f.store.Chunks().ReadChunk(d)
}

func seedRemoteSnapshot(t *testing.T, remote *datastore.Store, snap datastore.Snapshot, content []byte) {
	t.Helper()
	dir, lock, _, err := remote.CreateLockedBackupDir(snap)
	require.NoError(t, err)

	d := digest.Of(content)
	b, err := blob.Encode(content, nil, false)
	require.NoError(t, err)
	_, _, err = remote.Chunks().InsertChunk(b.RawData(), d)
	require.NoError(t, err)

	w, _, err := index.CreateDynamic(dir + "/data.didx")
	require.NoError(t, err)
	require.NoError(t, w.AddChunk(uint64(len(content)), d))
	require.NoError(t, w.Finalize(dir+"/data.didx"))

	r, err := index.OpenDynamic(dir + "/data.didx")
	require.NoError(t, err)
	csum, size := r.ComputeCsum()

	m := &datastore.Manifest{Files: []datastore.FileEntry{
		{Filename: "data.didx", Kind: datastore.FileDynamicIndex, Size: size, Csum: csum},
	}}
	require.NoError(t, remote.WriteManifest(snap, m, nil))
	require.NoError(t, lock.Close())
}

func TestPullGroupReplicatesNewSnapshot(t *testing.T) {
	remote, err := datastore.Open(t.TempDir())
	require.NoError(t, err)
	local, err := datastore.Open(t.TempDir())
	require.NoError(t, err)

	g := datastore.Group{Type: datastore.GroupVM, ID: "100"}
	snap := datastore.Snapshot{Group: g, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	content := []byte("this is the synced chunk content")
	seedRemoteSnapshot(t, remote, snap, content)

	stats, err := PullGroup(context.Background(), local, &fakeSource{store: remote}, g, "root@pam", nil, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SnapshotsSynced)
	require.Equal(t, 1, stats.ChunksFetched)

	m, err := local.ReadManifest(snap)
	require.NoError(t, err)
	require.True(t, m.Verified)

	d := digest.Of(content)
	require.True(t, local.Chunks().Exists(d))
}

func TestPullGroupSkipsAlreadyPresentSnapshot(t *testing.T) {
	remote, err := datastore.Open(t.TempDir())
	require.NoError(t, err)
	local, err := datastore.Open(t.TempDir())
	require.NoError(t, err)

	g := datastore.Group{Type: datastore.GroupVM, ID: "100"}
	snap := datastore.Snapshot{Group: g, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	seedRemoteSnapshot(t, remote, snap, []byte("content"))

	src := &fakeSource{store: remote}
	_, err = PullGroup(context.Background(), local, src, g, "root@pam", nil, false)
	require.NoError(t, err)

	stats, err := PullGroup(context.Background(), local, src, g, "root@pam", nil, false)
	require.NoError(t, err)
	require.Equal(t, 0, stats.SnapshotsSynced)
	require.Equal(t, 1, stats.SnapshotsSkipped)
}

func TestPullGroupRejectsOwnerMismatch(t *testing.T) {
	remote, err := datastore.Open(t.TempDir())
	require.NoError(t, err)
	local, err := datastore.Open(t.TempDir())
	require.NoError(t, err)

	g := datastore.Group{Type: datastore.GroupVM, ID: "100"}
	snap := datastore.Snapshot{Group: g, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	seedRemoteSnapshot(t, remote, snap, []byte("content"))

	owner, lock, err := local.CreateLockedBackupGroup(g, "someone-else@pam")
	require.NoError(t, err)
	require.Equal(t, "someone-else@pam", owner)
	require.NoError(t, lock.Unlock())

	_, err = PullGroup(context.Background(), local, &fakeSource{store: remote}, g, "root@pam", nil, false)
	require.ErrorIs(t, err, xerrors.ErrOwnerMismatch)
}

func TestPullGroupSkipsSnapshotsOlderThanLastSuccessfulBackup(t *testing.T) {
	remote, err := datastore.Open(t.TempDir())
	require.NoError(t, err)
	local, err := datastore.Open(t.TempDir())
	require.NoError(t, err)

	g := datastore.Group{Type: datastore.GroupVM, ID: "100"}
	older := datastore.Snapshot{Group: g, Time: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := datastore.Snapshot{Group: g, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	seedRemoteSnapshot(t, remote, older, []byte("older content"))
	seedRemoteSnapshot(t, remote, newer, []byte("newer content"))

	// local already has a verified backup newer than the remote's older
	// snapshot, so that one must be skipped on LastSuccessfulBackup grounds
	// even though local doesn't hold that exact timestamp (spec.md §4.7 step 4).
	seedRemoteSnapshot(t, local, datastore.Snapshot{Group: g, Time: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}, []byte("baseline"))

	stats, err := PullGroup(context.Background(), local, &fakeSource{store: remote}, g, "root@pam", nil, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SnapshotsSynced)
	require.Equal(t, 1, stats.SnapshotsSkipped)

	_, err = local.ReadManifest(newer)
	require.NoError(t, err)
	_, err = local.ReadManifest(older)
	require.Error(t, err)
}

func TestPullGroupDeleteVanishedRemovesLocalSnapshot(t *testing.T) {
	remote, err := datastore.Open(t.TempDir())
	require.NoError(t, err)
	local, err := datastore.Open(t.TempDir())
	require.NoError(t, err)

	g := datastore.Group{Type: datastore.GroupVM, ID: "100"}
	kept := datastore.Snapshot{Group: g, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	vanished := datastore.Snapshot{Group: g, Time: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	seedRemoteSnapshot(t, remote, kept, []byte("kept content"))

	src := &fakeSource{store: remote}
	_, err = PullGroup(context.Background(), local, src, g, "root@pam", nil, false)
	require.NoError(t, err)
	seedRemoteSnapshot(t, local, vanished, []byte("local only"))

	stats, err := PullGroup(context.Background(), local, src, g, "root@pam", nil, true)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SnapshotsSkipped)

	snaps, err := local.ListSnapshots(g)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, kept.Time, snaps[0].Time)
}

func TestSyncReplicatesEveryRemoteGroupAndSkipsOwnerMismatch(t *testing.T) {
	remote, err := datastore.Open(t.TempDir())
	require.NoError(t, err)
	local, err := datastore.Open(t.TempDir())
	require.NoError(t, err)

	gOK := datastore.Group{Type: datastore.GroupVM, ID: "100"}
	gMismatch := datastore.Group{Type: datastore.GroupVM, ID: "200"}
	snapOK := datastore.Snapshot{Group: gOK, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	snapMismatch := datastore.Snapshot{Group: gMismatch, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	seedRemoteSnapshot(t, remote, snapOK, []byte("ok content"))
	seedRemoteSnapshot(t, remote, snapMismatch, []byte("mismatch content"))

	owner, lock, err := local.CreateLockedBackupGroup(gMismatch, "someone-else@pam")
	require.NoError(t, err)
	require.Equal(t, "someone-else@pam", owner)
	require.NoError(t, lock.Unlock())

	stats, err := Sync(context.Background(), local, &fakeSource{store: remote}, "root@pam", nil, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.GroupsSynced)
	require.Equal(t, 1, stats.SnapshotsSynced)

	_, err = local.ReadManifest(snapOK)
	require.NoError(t, err)
}

func TestSyncDeleteVanishedRemovesLocalGroup(t *testing.T) {
	remote, err := datastore.Open(t.TempDir())
	require.NoError(t, err)
	local, err := datastore.Open(t.TempDir())
	require.NoError(t, err)

	gKept := datastore.Group{Type: datastore.GroupVM, ID: "100"}
	gVanished := datastore.Group{Type: datastore.GroupVM, ID: "200"}
	snapKept := datastore.Snapshot{Group: gKept, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	seedRemoteSnapshot(t, remote, snapKept, []byte("kept content"))
	seedRemoteSnapshot(t, local, datastore.Snapshot{Group: gVanished, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, []byte("local only group"))

	_, err = Sync(context.Background(), local, &fakeSource{store: remote}, "root@pam", nil, true)
	require.NoError(t, err)

	groups, err := local.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, gKept, groups[0])
}
