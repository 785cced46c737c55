package datastore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/filelock"
)

const snapshotLockName = ".lock"

// snapshotLockRetryWindow bounds how long CreateLockedBackupDir retries a
// contended lock before giving up - long enough to ride out another
// process's brief hold (manifest rewrite, forget unlink) without turning
// routine contention into a hard failure.
const snapshotLockRetryWindow = 5 * time.Second

// snapshotDir is the absolute directory of snap inside the store.
func (s *Store) snapshotDir(snap Snapshot) string {
	return filepath.Join(s.root, snap.RelativePath())
}

// CreateLockedBackupDir creates snap's directory if missing and returns it
// exclusively locked; isNew is false when the directory already existed
// from a previous attempt. The caller holds the lock for the whole
// backup-write: on success it Closes the lock, on failure it passes the
// still-held lock to CleanupBackupDir instead (spec.md §4.4).
func (s *Store) CreateLockedBackupDir(snap Snapshot) (dir string, lock *filelock.Lock, isNew bool, err error) {
	dir = s.snapshotDir(snap)
	isNew = true
	if _, statErr := os.Stat(dir); statErr == nil {
		isNew = false
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, false, errors.Wrapf(err, "create snapshot dir %s", dir)
	}
	lock, err = filelock.RetryExclusive(filepath.Join(dir, snapshotLockName), snapshotLockRetryWindow)
	if err != nil {
		return "", nil, false, err
	}
	return dir, lock, isNew, nil
}

// LockSnapshotShared acquires a shared lock on snap, for readers (restore,
// verify, pull) that must not race a concurrent remove.
func (s *Store) LockSnapshotShared(snap Snapshot) (*filelock.Lock, error) {
	return filelock.Shared(filepath.Join(s.snapshotDir(snap), snapshotLockName))
}

// CleanupBackupDir removes an incomplete snapshot directory: called when a
// backup or pull run fails before the manifest is finalized (spec.md
// §4.4). The caller must hold (and will lose, on return) the
// exclusive lock from CreateLockedBackupDir.
func (s *Store) CleanupBackupDir(snap Snapshot, lock *filelock.Lock) error {
	dir := s.snapshotDir(snap)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "list snapshot dir")
	}
	for _, e := range entries {
		if e.Name() == snapshotLockName {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "remove %s", e.Name())
		}
	}
	if err := lock.Close(); err != nil {
		return errors.Wrap(err, "release snapshot lock")
	}
	if err := os.Remove(filepath.Join(dir, snapshotLockName)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove snapshot lock file")
	}
	s.mcache.Remove(snap.RelativePath())
	return os.Remove(dir)
}

// CleanupUnreferencedFiles deletes any file in snap's directory that isn't
// the manifest itself or listed as one of m.Files, leaving the lock file
// alone (spec.md §4.4: "cleanup_backup_dir(snapshot, manifest): deletes any
// files in the snapshot directory not listed in the manifest (used after
// pull/sync)"). Unlike CleanupBackupDir, this never removes the snapshot
// directory or its manifest - it's a tidy-up of a *successful* write, not
// an abort.
func (s *Store) CleanupUnreferencedFiles(snap Snapshot, m *Manifest) error {
	dir := s.snapshotDir(snap)
	keep := make(map[string]struct{}, len(m.Files)+1)
	keep[ManifestName] = struct{}{}
	keep[snapshotLockName] = struct{}{}
	for _, fe := range m.Files {
		keep[fe.Filename] = struct{}{}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "list snapshot dir")
	}
	for _, e := range entries {
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "remove unreferenced file %s", e.Name())
		}
	}
	return nil
}

// RemoveBackupDir deletes a finished snapshot outright (pruning, manual
// forget). It always requires the exclusive snapshot lock and returns
// xerrors.ErrLockBusy if any other holder, shared or exclusive, has it;
// force is accepted but does not change this or any other behavior.
func (s *Store) RemoveBackupDir(snap Snapshot, force bool) error {
	dir := s.snapshotDir(snap)
	lock, err := filelock.TryExclusive(filepath.Join(dir, snapshotLockName))
	if err != nil {
		return err
	}
	defer lock.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "list snapshot dir")
	}
	for _, e := range entries {
		if e.Name() == snapshotLockName {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "remove %s", e.Name())
		}
	}
	_ = lock.Close()
	if err := os.Remove(filepath.Join(dir, snapshotLockName)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove snapshot lock file")
	}
	s.mcache.Remove(snap.RelativePath())
	return os.Remove(dir)
}
