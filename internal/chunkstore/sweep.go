package chunkstore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/digest"
)

// Stats summarizes one sweep pass (spec.md §4.5 Phase 2 / "GcStats").
type Stats struct {
	Timestamp      time.Time
	ChunksRemoved  uint64
	ChunksKept     uint64
	BytesFreed     uint64
	DiskUsedAfter  uint64
	CorruptSkipped uint64
}

// SweepUnusedChunks deletes every chunk whose atime is older than cutoff.
// Caller must hold the store's exclusive lock for the duration of the call
// (spec.md §4.2, §4.5 Phase 2).
func (s *Store) SweepUnusedChunks(cutoff time.Time) (Stats, error) {
	stats := Stats{Timestamp: time.Now()}

	chunksDir := filepath.Join(s.root, "chunks")
	subdirs, err := os.ReadDir(chunksDir)
	if err != nil {
		return stats, errors.Wrap(err, "read chunks dir")
	}

	for _, sub := range subdirs {
		if !sub.IsDir() {
			continue
		}
		subPath := filepath.Join(chunksDir, sub.Name())
		entries, err := os.ReadDir(subPath)
		if err != nil {
			return stats, errors.Wrapf(err, "read chunk subdir %s", subPath)
		}
		for _, e := range entries {
			name := e.Name()
			if len(name) != digest.Size*2 {
				continue // skip .tmp.*/.bad stragglers, not this pass's job
			}
			info, err := e.Info()
			if err != nil {
				return stats, errors.Wrap(err, "stat chunk")
			}
			atime := atimeOf(info)
			if atime.Before(cutoff) {
				size := info.Size()
				if err := os.Remove(filepath.Join(subPath, name)); err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return stats, errors.Wrapf(err, "unlink chunk %s", name)
				}
				stats.ChunksRemoved++
				stats.BytesFreed += uint64(size)
			} else {
				stats.ChunksKept++
				stats.DiskUsedAfter += uint64(info.Size())
			}
		}
	}

	return stats, nil
}
