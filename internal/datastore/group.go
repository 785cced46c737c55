package datastore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dolthub/fslock"
	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/applog"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

var log = applog.For("datastore")

const (
	groupLockName    = ".lock"
	ownerFileName    = "owner"
	groupLockTimeout = 10 * time.Second
)

// groupDir is the absolute directory of g inside the store.
func (s *Store) groupDir(g Group) string {
	return filepath.Join(s.root, string(g.Type), g.ID)
}

// CreateLockedBackupGroup creates the group directory if needed, claims
// ownership for ownerID if the group is new, and returns the resolved
// owner alongside a held exclusive lock the caller must Unlock once the
// backup run (or snapshot creation) is done (spec.md §4.4).
func (s *Store) CreateLockedBackupGroup(g Group, ownerID string) (owner string, lock *fslock.Lock, err error) {
	dir := s.groupDir(g)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, errors.Wrapf(err, "create group dir %s", dir)
	}

	lockPath := filepath.Join(dir, groupLockName)
	l := fslock.New(lockPath)
	if err := l.LockWithTimeout(groupLockTimeout); err != nil {
		return "", nil, errors.Wrapf(xerrors.ErrLockBusy, "lock group %s: %v", g, err)
	}

	owner, err = s.getOwnerLocked(dir)
	if err != nil {
		l.Unlock()
		return "", nil, err
	}
	if owner == "" {
		if err := s.setOwnerLocked(dir, ownerID); err != nil {
			l.Unlock()
			return "", nil, err
		}
		owner = ownerID
	}
	return owner, l, nil
}

// GetOwner returns the group's recorded owner, or "" if no owner file has
// been written for it yet.
func (s *Store) GetOwner(g Group) (string, error) {
	return s.getOwnerLocked(s.groupDir(g))
}

// SetOwner overwrites the group's owner record; callers must hold the
// group lock from CreateLockedBackupGroup.
func (s *Store) SetOwner(g Group, ownerID string) error {
	return s.setOwnerLocked(s.groupDir(g), ownerID)
}

func (s *Store) getOwnerLocked(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ownerFileName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "read owner file")
	}
	return string(raw), nil
}

func (s *Store) setOwnerLocked(dir, owner string) error {
	tmp := filepath.Join(dir, ownerFileName+".tmp")
	if err := os.WriteFile(tmp, []byte(owner), 0o644); err != nil {
		return errors.Wrap(err, "write owner file")
	}
	return os.Rename(tmp, filepath.Join(dir, ownerFileName))
}

// RemoveBackupGroup deletes every snapshot in g and the group directory
// itself. Callers must hold the group lock.
func (s *Store) RemoveBackupGroup(g Group) error {
	dir := s.groupDir(g)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "list group dir")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := time.Parse(BackupTimeFormat, e.Name())
		if err != nil {
			continue // not a snapshot dir (e.g. leftover .lock)
		}
		if err := s.RemoveBackupDir(Snapshot{Group: g, Time: t}, true); err != nil {
			return err
		}
	}
	if err := os.Remove(filepath.Join(dir, ownerFileName)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("remove owner file")
	}
	if err := os.Remove(filepath.Join(dir, groupLockName)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("remove group lock file")
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove group dir")
	}
	return nil
}

// LastSuccessfulBackup returns the time of the most recent snapshot in g
// whose manifest verifies (Manifest.Verified), and ok=false if none do.
func (s *Store) LastSuccessfulBackup(g Group) (t time.Time, ok bool, err error) {
	snaps, err := s.ListSnapshots(g)
	if err != nil {
		return time.Time{}, false, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		m, err := s.ReadManifest(snaps[i])
		if err != nil {
			continue
		}
		if m.Verified {
			return snaps[i].Time, true, nil
		}
	}
	return time.Time{}, false, nil
}

// ListSnapshots returns every snapshot directory under g, sorted by time.
func (s *Store) ListSnapshots(g Group) ([]Snapshot, error) {
	dir := s.groupDir(g)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list group dir")
	}
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := time.Parse(BackupTimeFormat, e.Name())
		if err != nil {
			continue
		}
		out = append(out, Snapshot{Group: g, Time: t.UTC()})
	}
	sortSnapshots(out)
	return out, nil
}

func sortSnapshots(s []Snapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Time.Before(s[j-1].Time); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// ListGroups walks the datastore root and returns every backup group that
// has at least one entry on disk.
func (s *Store) ListGroups() ([]Group, error) {
	var out []Group
	for _, gt := range []GroupType{GroupHost, GroupVM, GroupCT} {
		base := filepath.Join(s.root, string(gt))
		entries, err := os.ReadDir(base)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list %s groups", gt)
		}
		for _, e := range entries {
			if e.IsDir() {
				out = append(out, Group{Type: gt, ID: e.Name()})
			}
		}
	}
	return out, nil
}
