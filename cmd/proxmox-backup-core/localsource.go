package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/wofferl/proxmox-backup/internal/datastore"
	"github.com/wofferl/proxmox-backup/internal/digest"
	"github.com/wofferl/proxmox-backup/internal/index"
)

// localDatastoreSource adapts a local *datastore.Store to syncjob.Source,
// the case this CLI demonstrates: no remote HTTP client is in scope
// (spec.md §1), so source and destination here are both datastores on
// the same machine, read directly through the core instead of over a
// wire protocol.
type localDatastoreSource struct {
	store *datastore.Store
}

func (s localDatastoreSource) ListGroups(ctx context.Context) ([]datastore.Group, error) {
	return s.store.ListGroups()
}

func (s localDatastoreSource) ListSnapshots(ctx context.Context, g datastore.Group) ([]datastore.Snapshot, error) {
	return s.store.ListSnapshots(g)
}

func (s localDatastoreSource) ReadManifest(ctx context.Context, snap datastore.Snapshot) (*datastore.Manifest, error) {
	return s.store.ReadManifest(snap)
}

func (s localDatastoreSource) OpenIndex(ctx context.Context, snap datastore.Snapshot, fe datastore.FileEntry) (index.IndexFile, error) {
	path := filepath.Join(s.store.Root(), snap.RelativePath(), fe.Filename)
	switch fe.Kind {
	case datastore.FileFixedIndex:
		return index.OpenFixed(path)
	case datastore.FileDynamicIndex:
		return index.OpenDynamic(path)
	default:
		return nil, errUnsupportedIndexKind(fe.Kind)
	}
}

func (s localDatastoreSource) ReadRawBlob(ctx context.Context, snap datastore.Snapshot, filename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.store.Root(), snap.RelativePath(), filename))
}

func (s localDatastoreSource) ReadRawChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	return s.store.Chunks().ReadChunk(d)
}

type errUnsupportedIndexKind datastore.FileEntryKind

func (e errUnsupportedIndexKind) Error() string {
	return "unsupported index kind: " + string(e)
}
