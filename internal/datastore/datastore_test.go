package datastore

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreateLockedBackupGroupClaimsOwner(t *testing.T) {
	s := openTestStore(t)
	g := Group{Type: GroupVM, ID: "100"}

	owner, lock, err := s.CreateLockedBackupGroup(g, "root@pam")
	require.NoError(t, err)
	require.Equal(t, "root@pam", owner)
	require.NoError(t, lock.Unlock())

	got, err := s.GetOwner(g)
	require.NoError(t, err)
	require.Equal(t, "root@pam", got)
}

func TestCreateLockedBackupGroupKeepsExistingOwner(t *testing.T) {
	s := openTestStore(t)
	g := Group{Type: GroupVM, ID: "100"}

	_, lock1, err := s.CreateLockedBackupGroup(g, "root@pam")
	require.NoError(t, err)
	require.NoError(t, lock1.Unlock())

	owner, lock2, err := s.CreateLockedBackupGroup(g, "someone-else@pbs")
	require.NoError(t, err)
	require.Equal(t, "root@pam", owner)
	require.NoError(t, lock2.Unlock())
}

func TestCreateLockedBackupDirAndManifestRoundtrip(t *testing.T) {
	s := openTestStore(t)
	snap := Snapshot{
		Group: Group{Type: GroupVM, ID: "100"},
		Time:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	dir, lock, isNew, err := s.CreateLockedBackupDir(snap)
	require.NoError(t, err)
	require.True(t, isNew)
	require.NotEmpty(t, dir)

	m := &Manifest{
		Files: []FileEntry{
			{Filename: "drive-scsi0.img.fidx", Kind: FileFixedIndex, Size: 0, Csum: [32]byte{}},
		},
	}
	require.NoError(t, s.WriteManifest(snap, m, nil))
	require.NoError(t, lock.Close())

	got, err := s.ReadManifest(snap)
	require.NoError(t, err)
	require.Len(t, got.Files, 1)
	require.False(t, got.Verified) // the fidx referenced in Files doesn't exist on disk
}

func TestListSnapshotsSorted(t *testing.T) {
	s := openTestStore(t)
	g := Group{Type: GroupCT, ID: "200"}
	times := []time.Time{
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, tm := range times {
		_, lock, _, err := s.CreateLockedBackupDir(Snapshot{Group: g, Time: tm})
		require.NoError(t, err)
		require.NoError(t, lock.Close())
	}

	snaps, err := s.ListSnapshots(g)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	require.True(t, snaps[0].Time.Before(snaps[1].Time))
	require.True(t, snaps[1].Time.Before(snaps[2].Time))
}

func TestRemoveBackupGroupRemovesEverything(t *testing.T) {
	s := openTestStore(t)
	g := Group{Type: GroupHost, ID: "pve1"}
	snap := Snapshot{Group: g, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	_, glock, err := s.CreateLockedBackupGroup(g, "root@pam")
	require.NoError(t, err)
	_, slock, _, err := s.CreateLockedBackupDir(snap)
	require.NoError(t, err)
	require.NoError(t, slock.Close())

	require.NoError(t, s.RemoveBackupGroup(g))
	require.NoError(t, glock.Unlock())

	groups, err := s.ListGroups()
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestBeginWriteRegistersOldestActiveWriterStart(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.OldestActiveWriterStart()
	require.NoError(t, err)
	require.False(t, ok)

	w1, err := s.BeginWrite()
	require.NoError(t, err)
	w2, err := s.BeginWrite()
	require.NoError(t, err)

	start, ok, err := s.OldestActiveWriterStart()
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), start, 5*time.Second)

	require.NoError(t, w1.Close())
	require.NoError(t, w2.Close())

	_, ok, err = s.OldestActiveWriterStart()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCleanupUnreferencedFilesKeepsOnlyManifestEntries(t *testing.T) {
	s := openTestStore(t)
	snap := Snapshot{
		Group: Group{Type: GroupVM, ID: "100"},
		Time:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	dir, lock, _, err := s.CreateLockedBackupDir(snap)
	require.NoError(t, err)
	require.NoError(t, writeFileForTest(dir+"/keep.fidx", []byte("keep")))
	require.NoError(t, writeFileForTest(dir+"/stale.tmp", []byte("stale")))

	m := &Manifest{Files: []FileEntry{{Filename: "keep.fidx", Kind: FileFixedIndex}}}
	require.NoError(t, s.WriteManifest(snap, m, nil))
	require.NoError(t, s.CleanupUnreferencedFiles(snap, m))
	require.NoError(t, lock.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"keep.fidx", ManifestName, snapshotLockName}, names)
}

func writeFileForTest(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
