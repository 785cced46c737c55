package datastore

import (
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/chunkstore"
	"github.com/wofferl/proxmox-backup/internal/filelock"
)

// manifestCacheSize bounds the number of decoded manifests kept in memory.
// GC's mark phase and repeated `list`/`prune` runs re-read the same
// snapshots' manifests over and over; caching the decoded+verified form
// avoids re-parsing and re-checksumming index files that haven't changed
// on every pass (spec.md §4.4, §4.5).
const manifestCacheSize = 1024

// Store is one configured datastore: a chunk store plus the group/snapshot
// tree and manifests layered on top of it (spec.md §4.4).
type Store struct {
	root   string
	chunks *chunkstore.Store
	mcache *lru.Cache[string, *Manifest]
}

// Open opens (creating if needed) the datastore rooted at root, including
// its chunk store.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create datastore root %s", root)
	}
	cs, err := chunkstore.Open(root)
	if err != nil {
		return nil, err
	}
	mcache, err := lru.New[string, *Manifest](manifestCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create manifest cache")
	}
	return &Store{root: root, chunks: cs, mcache: mcache}, nil
}

// Root is the datastore's filesystem root.
func (s *Store) Root() string { return s.root }

// Chunks is the underlying chunk store, for ingest/GC/sync code that needs
// to insert, read or sweep chunks directly.
func (s *Store) Chunks() *chunkstore.Store { return s.chunks }

// TrySharedChunkStoreLock acquires a shared lock on the chunk store, the
// hold GC's own mark phase keeps so it counts as a live reader against its
// own exclusive sweep lock (spec.md §4.5, §9). Writers that need to be
// counted toward GC's safety-window widening should use BeginWrite
// instead, which also registers a start time.
func (s *Store) TrySharedChunkStoreLock() (*filelock.Lock, error) {
	return s.chunks.AcquireShared()
}

// WriterSession bundles the chunk store's shared lock with this writer's
// registration in the active-writer registry, for the duration of a
// backup ingest or pull/sync run (spec.md §5, §9). Close releases both.
type WriterSession struct {
	lock *filelock.Lock
	reg  *chunkstore.WriterRegistration
}

// Close releases the writer's registration and its shared store lock.
func (w *WriterSession) Close() error {
	if w == nil {
		return nil
	}
	regErr := w.reg.Close()
	lockErr := w.lock.Close()
	if regErr != nil {
		return regErr
	}
	return lockErr
}

// BeginWrite acquires the chunk store's shared lock and records this
// process as an active writer so GC can widen its safety window to cover
// it (spec.md §9: "Record the epoch of the oldest shared-lock holder
// system-wide"). Backup ingest and pull/sync hold the returned session for
// their whole run and Close it once finished (success or failure).
func (s *Store) BeginWrite() (*WriterSession, error) {
	lock, err := s.chunks.AcquireShared()
	if err != nil {
		return nil, err
	}
	reg, err := s.chunks.RegisterWriter()
	if err != nil {
		lock.Close()
		return nil, err
	}
	return &WriterSession{lock: lock, reg: reg}, nil
}

// OldestActiveWriterStart reports the start time of the oldest currently
// registered writer (spec.md §9's T_oldest), for gc.Run's cutoff
// computation. ok is false if no writer is currently registered.
func (s *Store) OldestActiveWriterStart() (time.Time, bool, error) {
	return s.chunks.OldestWriterStart()
}
