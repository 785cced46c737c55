// Package syncjob implements the pull/sync replication pipeline of
// spec.md §4.7, grounded on original_source/src/client/pull.rs's
// pull_index_chunks: a bounded-concurrency fetch, a process-wide
// downloaded-digest dedup set, and a small parallel verify/write pool.
//
// Named syncjob rather than sync to avoid colliding with the standard
// library package of that name.
package syncjob

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/wofferl/proxmox-backup/internal/applog"
	"github.com/wofferl/proxmox-backup/internal/blob"
	"github.com/wofferl/proxmox-backup/internal/crypt"
	"github.com/wofferl/proxmox-backup/internal/datastore"
	"github.com/wofferl/proxmox-backup/internal/digest"
	"github.com/wofferl/proxmox-backup/internal/index"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

var log = applog.For("sync")

// FetchConcurrency bounds how many chunks are in flight to the remote at
// once (pull.rs: try_buffer_unordered(20)).
const FetchConcurrency = 20

// VerifyConcurrency bounds the write-back worker pool (pull.rs:
// ParallelHandler::new("sync chunk writer", 4, ...)).
const VerifyConcurrency = 4

// Source is the remote side of a pull: whatever transport is in front of
// it (HTTP client, another process, a test fixture), this package only
// needs to read groups, snapshots, manifests and chunks from it.
type Source interface {
	ListGroups(ctx context.Context) ([]datastore.Group, error)
	ListSnapshots(ctx context.Context, g datastore.Group) ([]datastore.Snapshot, error)
	ReadManifest(ctx context.Context, snap datastore.Snapshot) (*datastore.Manifest, error)
	OpenIndex(ctx context.Context, snap datastore.Snapshot, fe datastore.FileEntry) (index.IndexFile, error)
	ReadRawBlob(ctx context.Context, snap datastore.Snapshot, filename string) ([]byte, error)
	ReadRawChunk(ctx context.Context, d digest.Digest) ([]byte, error)
}

// Stats summarizes one pull run.
type Stats struct {
	GroupsSynced     int
	SnapshotsSynced  int
	SnapshotsSkipped int
	ChunksFetched    int
	ChunksSkipped    int
	BytesFetched     uint64
}

// digestSet is the "downloaded_chunks" HashSet from pull.rs, guarded by a
// mutex since many goroutines race to claim a digest.
type digestSet struct {
	mu   sync.Mutex
	seen map[digest.Digest]struct{}
}

func newDigestSet() *digestSet { return &digestSet{seen: make(map[digest.Digest]struct{})} }

// claim marks d as being fetched and reports whether this caller is the
// first to claim it. It marks before the fetch completes, same as the
// original, to avoid duplicate concurrent downloads of the same chunk.
func (s *digestSet) claim(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[d]; ok {
		return false
	}
	s.seen[d] = struct{}{}
	return true
}

// Sync replicates every group the remote has into local (spec.md §4.7 step
// 1: "GET group list from remote. For each group, ..."). A group whose
// local owner doesn't match ownerID is an OwnerMismatch: it's logged and
// skipped rather than aborting the rest of the run, same as a single
// snapshot that fails to sync. When deleteVanished is set, local groups
// absent from the remote's listing are removed once every remote group has
// been processed.
func Sync(ctx context.Context, local *datastore.Store, remote Source, ownerID string, key *crypt.Config, deleteVanished bool) (*Stats, error) {
	remoteGroups, err := remote.ListGroups(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list remote groups")
	}

	total := &Stats{}
	remoteSet := make(map[string]struct{}, len(remoteGroups))
	for _, g := range remoteGroups {
		remoteSet[g.RelativePath()] = struct{}{}

		stats, err := PullGroup(ctx, local, remote, g, ownerID, key, deleteVanished)
		if err != nil {
			if errors.Is(err, xerrors.ErrOwnerMismatch) {
				log.WithField("group", g.String()).Warn("skipping group owned by a different identity")
			} else {
				log.WithError(err).WithField("group", g.String()).Warn("skipping group that failed to sync")
			}
			continue
		}
		total.GroupsSynced += stats.GroupsSynced
		total.SnapshotsSynced += stats.SnapshotsSynced
		total.SnapshotsSkipped += stats.SnapshotsSkipped
		total.ChunksFetched += stats.ChunksFetched
		total.ChunksSkipped += stats.ChunksSkipped
		total.BytesFetched += stats.BytesFetched
	}

	if deleteVanished {
		if err := removeVanishedGroups(local, ownerID, remoteSet); err != nil {
			return total, err
		}
	}
	return total, nil
}

// removeVanishedGroups removes every local group this identity owns that
// isn't in remoteSet, for Sync's deleteVanished option (spec.md:232).
func removeVanishedGroups(local *datastore.Store, ownerID string, remoteSet map[string]struct{}) error {
	localGroups, err := local.ListGroups()
	if err != nil {
		return err
	}
	for _, g := range localGroups {
		if _, ok := remoteSet[g.RelativePath()]; ok {
			continue
		}
		owner, lock, err := local.CreateLockedBackupGroup(g, ownerID)
		if err != nil {
			log.WithError(err).WithField("group", g.String()).Warn("skipping vanished group removal")
			continue
		}
		if owner != ownerID {
			lock.Unlock()
			continue
		}
		if err := local.RemoveBackupGroup(g); err != nil {
			log.WithError(err).WithField("group", g.String()).Warn("failed to remove vanished group")
		}
		lock.Unlock()
	}
	return nil
}

// PullGroup replicates every snapshot of g from remote into local that
// local doesn't already have and that's newer than local's last verified
// backup, skipping ones whose manifest doesn't verify on the remote side.
// If the local group already has an owner different from ownerID, it
// returns xerrors.ErrOwnerMismatch without touching anything. When
// deleteVanished is set, local snapshots absent from the remote's listing
// are removed after the pull completes.
func PullGroup(ctx context.Context, local *datastore.Store, remote Source, g datastore.Group, ownerID string, key *crypt.Config, deleteVanished bool) (*Stats, error) {
	stats := &Stats{}
	dedup := newDigestSet()

	resolvedOwner, lock, err := local.CreateLockedBackupGroup(g, ownerID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()
	if resolvedOwner != ownerID {
		return nil, errors.Wrapf(xerrors.ErrOwnerMismatch, "group %s is owned by %s, not %s", g, resolvedOwner, ownerID)
	}

	writer, err := local.BeginWrite()
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	remoteSnaps, err := remote.ListSnapshots(ctx, g)
	if err != nil {
		return nil, errors.Wrap(err, "list remote snapshots")
	}
	localSnaps, err := local.ListSnapshots(g)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(localSnaps))
	for _, s := range localSnaps {
		have[s.TimeString()] = struct{}{}
	}

	// Spec.md §4.7 step 4: a remote snapshot no newer than the last
	// successful local backup is already superseded, so it's skipped
	// even if local doesn't happen to have that exact timestamp.
	cutoff, haveCutoff, err := local.LastSuccessfulBackup(g)
	if err != nil {
		return nil, err
	}

	remoteSet := make(map[string]struct{}, len(remoteSnaps))
	for _, snap := range remoteSnaps {
		remoteSet[snap.TimeString()] = struct{}{}
		if _, ok := have[snap.TimeString()]; ok {
			stats.SnapshotsSkipped++
			continue
		}
		if haveCutoff && !snap.Time.After(cutoff) {
			stats.SnapshotsSkipped++
			continue
		}
		n, err := pullSnapshot(ctx, local, remote, snap, dedup, key)
		if err != nil {
			log.WithError(err).WithField("snapshot", snap.String()).Warn("skipping snapshot that failed to sync")
			continue
		}
		stats.SnapshotsSynced++
		stats.ChunksFetched += n.ChunksFetched
		stats.ChunksSkipped += n.ChunksSkipped
		stats.BytesFetched += n.BytesFetched
	}
	stats.GroupsSynced = 1

	if deleteVanished {
		for _, snap := range localSnaps {
			if _, ok := remoteSet[snap.TimeString()]; ok {
				continue
			}
			if err := local.RemoveBackupDir(snap, true); err != nil {
				log.WithError(err).WithField("snapshot", snap.String()).Warn("failed to remove vanished snapshot")
			}
		}
	}
	return stats, nil
}

type snapshotStats struct {
	ChunksFetched int
	ChunksSkipped int
	BytesFetched  uint64
}

// fetchedChunk is one raw chunk handed from a fetcher goroutine to the
// verify/write pool.
type fetchedChunk struct {
	raw    []byte
	digest digest.Digest
}

func pullSnapshot(ctx context.Context, local *datastore.Store, remote Source, snap datastore.Snapshot, dedup *digestSet, key *crypt.Config) (*snapshotStats, error) {
	m, err := remote.ReadManifest(ctx, snap)
	if err != nil {
		return nil, errors.Wrap(err, "read remote manifest")
	}
	if !m.Verified {
		return nil, xerrors.ErrManifestMismatch
	}

	dir, lock, _, err := local.CreateLockedBackupDir(snap)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			local.CleanupBackupDir(snap, lock)
		}
	}()

	stats := &snapshotStats{}
	for _, fe := range m.Files {
		switch fe.Kind {
		case datastore.FileBlob:
			raw, err := remote.ReadRawBlob(ctx, snap, fe.Filename)
			if err != nil {
				return nil, errors.Wrapf(err, "fetch blob %s", fe.Filename)
			}
			if err := writeFile(filepath.Join(dir, fe.Filename), raw); err != nil {
				return nil, err
			}
		case datastore.FileFixedIndex, datastore.FileDynamicIndex:
			n, err := pullIndex(ctx, local, remote, snap, fe, dedup, key)
			if err != nil {
				return nil, errors.Wrapf(err, "pull index %s", fe.Filename)
			}
			stats.ChunksFetched += n.ChunksFetched
			stats.ChunksSkipped += n.ChunksSkipped
			stats.BytesFetched += n.BytesFetched
		}
	}

	if err := local.WriteManifest(snap, m, key); err != nil {
		return nil, err
	}
	// spec.md §4.7 step 5d: once the manifest is written, delete anything
	// in the snapshot dir the manifest doesn't reference (e.g. a file from
	// an interrupted prior sync attempt at the same timestamp).
	if err := local.CleanupUnreferencedFiles(snap, m); err != nil {
		return nil, err
	}
	if err := lock.Close(); err != nil {
		return nil, err
	}
	ok = true
	return stats, nil
}

// pullIndex mirrors pull_index_chunks: every chunk the remote index
// references is fetched (unless another in-flight pull already claimed
// it, or it's already present locally), verified against its digest, and
// written into the local chunk store with FetchConcurrency fetchers
// feeding a VerifyConcurrency-wide verify/write pool.
func pullIndex(ctx context.Context, local *datastore.Store, remote Source, snap datastore.Snapshot, fe datastore.FileEntry, dedup *digestSet, key *crypt.Config) (*snapshotStats, error) {
	idx, err := remote.OpenIndex(ctx, snap, fe)
	if err != nil {
		return nil, err
	}

	stats := &snapshotStats{}
	var mu sync.Mutex

	writeCh := make(chan fetchedChunk, VerifyConcurrency*2)
	verifyGroup, verifyCtx := errgroup.WithContext(ctx)
	for i := 0; i < VerifyConcurrency; i++ {
		verifyGroup.Go(func() error {
			for item := range writeCh {
				raw := item.raw
				d := item.digest
				b, err := blob.FromRaw(raw)
				if err != nil {
					return err
				}
				if err := b.VerifyCRC(); err != nil {
					return err
				}
				if _, _, err := local.Chunks().InsertChunk(raw, d); err != nil {
					return err
				}
				mu.Lock()
				stats.BytesFetched += uint64(len(raw))
				mu.Unlock()
			}
			return nil
		})
	}

	fetchGroup, fetchCtx := errgroup.WithContext(verifyCtx)
	fetchGroup.SetLimit(FetchConcurrency)
	for i := 0; i < idx.IndexCount(); i++ {
		ci, err := idx.ChunkInfo(i)
		if err != nil {
			close(writeCh)
			verifyGroup.Wait()
			return nil, err
		}
		d := ci.Digest
		fetchGroup.Go(func() error {
			if !dedup.claim(d) {
				mu.Lock()
				stats.ChunksSkipped++
				mu.Unlock()
				return nil
			}
			exists, err := local.Chunks().CondTouchChunk(d, false)
			if err != nil {
				return err
			}
			if exists {
				mu.Lock()
				stats.ChunksSkipped++
				mu.Unlock()
				return nil
			}
			raw, err := remote.ReadRawChunk(fetchCtx, d)
			if err != nil {
				return err
			}
			select {
			case writeCh <- fetchedChunk{raw: raw, digest: d}:
			case <-fetchCtx.Done():
				return fetchCtx.Err()
			}
			mu.Lock()
			stats.ChunksFetched++
			mu.Unlock()
			return nil
		})
	}

	fetchErr := fetchGroup.Wait()
	close(writeCh)
	verifyErr := verifyGroup.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}
	if verifyErr != nil {
		return nil, verifyErr
	}
	return stats, nil
}

func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename into place")
	}
	return nil
}
