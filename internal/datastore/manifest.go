package datastore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/blob"
	"github.com/wofferl/proxmox-backup/internal/crypt"
	"github.com/wofferl/proxmox-backup/internal/index"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

// FileEntryKind distinguishes the two index shapes a manifest entry can
// reference (spec.md §4.3/§4.4).
type FileEntryKind string

const (
	FileFixedIndex   FileEntryKind = "fixed"
	FileDynamicIndex FileEntryKind = "dynamic"
	FileBlob         FileEntryKind = "blob"
)

// FileEntry describes one archive within a snapshot.
type FileEntry struct {
	Filename string        `json:"filename"`
	Kind     FileEntryKind `json:"kind"`
	Size     uint64        `json:"size"`
	Csum     [32]byte      `json:"csum"`
}

// Manifest is the decoded form of a snapshot's index.json.blob: the list
// of archives it contains plus whatever bookkeeping the backup run
// recorded (spec.md §4.4 "manifest").
type Manifest struct {
	Files                 []FileEntry        `json:"files"`
	Attributes            map[string]string  `json:"attributes,omitempty"`
	UnprotectedAttributes map[string]string  `json:"unprotected-attributes,omitempty"`
	Fingerprint           *crypt.Fingerprint `json:"fingerprint,omitempty"`

	// Verified is not stored on disk; it's set by ReadManifest/Verify
	// after checking every entry's on-disk index against Csum/Size.
	Verified bool `json:"-"`
}

// WriteManifest encodes m as JSON, wraps it in a signed (HMAC, not
// encrypted) blob envelope when key is non-nil, and publishes it
// atomically at snap's manifest path. A nil key produces a plain,
// uncompressed blob.
func (s *Store) WriteManifest(snap Snapshot, m *Manifest, key *crypt.Config) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}
	var b *blob.Blob
	if key != nil {
		b, err = blob.EncodeSigned(data, key, false)
	} else {
		b, err = blob.Encode(data, nil, false)
	}
	if err != nil {
		return errors.Wrap(err, "encode manifest blob")
	}

	path := filepath.Join(s.snapshotDir(snap), ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b.RawData(), 0o644); err != nil {
		return errors.Wrap(err, "write manifest temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.mcache.Remove(snap.RelativePath())
	return nil
}

// ReadManifest loads and decodes snap's manifest, then verifies every
// referenced index file's checksum and size against what the manifest
// recorded, setting Manifest.Verified (spec.md §4.4 "manifest
// verification"). Results are cached by snapshot path so repeated callers
// (GC's mark phase, prune, list) don't re-parse and re-checksum a
// snapshot's indexes on every pass; WriteManifest and the snapshot-removal
// paths evict the cache entry whenever the on-disk manifest changes.
func (s *Store) ReadManifest(snap Snapshot) (*Manifest, error) {
	key := snap.RelativePath()
	if m, ok := s.mcache.Get(key); ok {
		return m, nil
	}

	path := filepath.Join(s.snapshotDir(snap), ManifestName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	b, err := blob.FromRaw(raw)
	if err != nil {
		return nil, err
	}
	data, err := blob.Decode(b, s.manifestKey(snap))
	if err != nil {
		return nil, errors.Wrap(err, "decode manifest blob")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal manifest")
	}

	m.Verified = s.verifyEntries(snap, &m) == nil
	s.mcache.Add(key, &m)
	return &m, nil
}

// manifestKey returns the key needed to verify a manifest's auth tag.
// Manifests are only ever signed, never encrypted, so a verify-only
// Config built from the same fingerprint's key suffices; datastore has no
// key registry of its own, so this is a hook higher layers can override
// by calling VerifyManifest directly with an explicit key.
func (s *Store) manifestKey(snap Snapshot) *crypt.Config { return nil }

func (s *Store) verifyEntries(snap Snapshot, m *Manifest) error {
	dir := s.snapshotDir(snap)
	for _, fe := range m.Files {
		switch fe.Kind {
		case FileFixedIndex:
			r, err := index.OpenFixed(filepath.Join(dir, fe.Filename))
			if err != nil {
				return err
			}
			csum, size := r.ComputeCsum()
			if csum != fe.Csum || size != fe.Size {
				return xerrors.ErrManifestMismatch
			}
		case FileDynamicIndex:
			r, err := index.OpenDynamic(filepath.Join(dir, fe.Filename))
			if err != nil {
				return err
			}
			csum, size := r.ComputeCsum()
			if csum != fe.Csum || size != fe.Size {
				return xerrors.ErrManifestMismatch
			}
		case FileBlob:
			info, err := os.Stat(filepath.Join(dir, fe.Filename))
			if err != nil {
				return err
			}
			if uint64(info.Size()) != fe.Size {
				return xerrors.ErrManifestMismatch
			}
		default:
			return errors.Errorf("unknown manifest entry kind %q", fe.Kind)
		}
	}
	return nil
}

// VerifyManifest re-checks m against the on-disk index/blob files in
// snap, using key to verify a signed manifest's own auth tag first. It's
// the entry point callers with an actual key registry should use instead
// of relying on ReadManifest's Verified field.
func (s *Store) VerifyManifest(snap Snapshot, key *crypt.Config) (*Manifest, error) {
	path := filepath.Join(s.snapshotDir(snap), ManifestName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	b, err := blob.FromRaw(raw)
	if err != nil {
		return nil, err
	}
	data, err := blob.Decode(b, key)
	if err != nil {
		return nil, errors.Wrap(err, "decode manifest blob")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal manifest")
	}
	m.Verified = s.verifyEntries(snap, &m) == nil
	return &m, nil
}

// backupTimeNow is a seam so tests can stub "now"; production code always
// uses time.Now().UTC().
var backupTimeNow = func() time.Time { return time.Now().UTC() }
