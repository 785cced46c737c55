// Package gc implements the two-phase mark-and-sweep garbage collector
// described in spec.md §4.5: mark refreshes the atime of every chunk
// still referenced by a manifest, sweep removes chunks whose atime is
// older than a safety-window cutoff (spec.md §9).
package gc

import (
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wofferl/proxmox-backup/internal/applog"
	"github.com/wofferl/proxmox-backup/internal/chunkstore"
	"github.com/wofferl/proxmox-backup/internal/datastore"
	"github.com/wofferl/proxmox-backup/internal/index"
)

var log = applog.For("gc")

// MinSafetyWindow is the minimum age a chunk must reach before sweep will
// consider removing it, regardless of how long-running writers are
// (spec.md §9: "never less than 24h").
const MinSafetyWindow = 24 * time.Hour

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pbs_gc_runs_total",
		Help: "Completed garbage collection runs, by outcome.",
	}, []string{"outcome"})
	chunksRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pbs_gc_chunks_removed_total",
		Help: "Chunks removed by garbage collection sweeps.",
	})
	bytesFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pbs_gc_bytes_freed_total",
		Help: "Bytes freed by garbage collection sweeps.",
	})
)

func init() {
	prometheus.MustRegister(runsTotal, chunksRemoved, bytesFreed)
}

// Options tunes one GC run.
type Options struct {
	// OldestWriterStart is the start time of the longest-running backup
	// or sync session currently holding a shared store lock, if any. It
	// widens the safety window so GC can't outrun a slow writer's
	// in-flight chunks (spec.md §9). Zero means "look it up from the
	// store's active-writer registry instead"; a non-zero value is used
	// as given and the registry is not consulted.
	OldestWriterStart time.Time
	// Grace is added on top of the computed safety window for operator
	// comfort margin.
	Grace time.Duration
}

// Result summarizes one completed run.
type Result struct {
	chunkstore.Stats
	Cutoff        time.Time
	ChunksMarked  uint64
	ManifestsRead int
}

// Run performs a full mark-and-sweep pass over store.
func Run(store *datastore.Store, opts Options) (*Result, error) {
	now := time.Now().UTC()

	oldestWriterStart := opts.OldestWriterStart
	if oldestWriterStart.IsZero() {
		if t, ok, err := store.OldestActiveWriterStart(); err != nil {
			return nil, errors.Wrap(err, "read active writer registry")
		} else if ok {
			oldestWriterStart = t
		}
	}
	cutoff := computeCutoff(now, oldestWriterStart, opts.Grace)

	// Mark holds the chunk store's shared lock for its whole walk, so it
	// counts as a live reader against the exclusive sweep lock below
	// (spec.md §4.5 phase 1 step 1, §5 locks table).
	markLock, err := store.TrySharedChunkStoreLock()
	if err != nil {
		runsTotal.WithLabelValues("mark_failed").Inc()
		return nil, errors.Wrap(err, "acquire shared lock for gc mark")
	}
	marked, manifests, err := mark(store)
	closeErr := markLock.Close()
	if err != nil {
		runsTotal.WithLabelValues("mark_failed").Inc()
		return nil, errors.Wrap(err, "gc mark phase")
	}
	if closeErr != nil {
		runsTotal.WithLabelValues("mark_failed").Inc()
		return nil, errors.Wrap(closeErr, "release gc mark lock")
	}

	lock, err := store.Chunks().AcquireExclusive()
	if err != nil {
		runsTotal.WithLabelValues("busy").Inc()
		return nil, err
	}
	defer lock.Close()

	stats, err := store.Chunks().SweepUnusedChunks(cutoff)
	if err != nil {
		runsTotal.WithLabelValues("sweep_failed").Inc()
		return nil, errors.Wrap(err, "gc sweep phase")
	}

	runsTotal.WithLabelValues("ok").Inc()
	chunksRemoved.Add(float64(stats.ChunksRemoved))
	bytesFreed.Add(float64(stats.BytesFreed))

	log.WithField("cutoff", cutoff).
		WithField("removed", stats.ChunksRemoved).
		WithField("freed", humanize.Bytes(stats.BytesFreed)).
		Info("garbage collection complete")

	return &Result{Stats: stats, Cutoff: cutoff, ChunksMarked: marked, ManifestsRead: manifests}, nil
}

// computeCutoff implements spec.md §9's safety-window formula: the
// window is never shorter than MinSafetyWindow, and widens to cover the
// oldest active writer, plus an operator-chosen grace margin.
func computeCutoff(now, oldestWriterStart time.Time, grace time.Duration) time.Time {
	window := MinSafetyWindow
	if !oldestWriterStart.IsZero() {
		if age := now.Sub(oldestWriterStart); age > window {
			window = age
		}
	}
	window += grace
	return now.Add(-window)
}

// mark walks every group and snapshot in store, refreshing the atime of
// every chunk referenced by a manifest whose indexes still open cleanly.
// A manifest or index that fails to open is skipped (and logged), not
// treated as fatal - a backup with a corrupt manifest shouldn't block GC
// from protecting every other snapshot's chunks.
func mark(store *datastore.Store) (marked uint64, manifestsRead int, err error) {
	groups, err := store.ListGroups()
	if err != nil {
		return 0, 0, err
	}
	for _, g := range groups {
		snaps, err := store.ListSnapshots(g)
		if err != nil {
			return marked, manifestsRead, err
		}
		for _, snap := range snaps {
			m, err := store.ReadManifest(snap)
			if err != nil {
				log.WithError(err).WithField("snapshot", snap.String()).Warn("skipping unreadable manifest during gc mark")
				continue
			}
			manifestsRead++
			n, err := markManifest(store, snap, m)
			if err != nil {
				log.WithError(err).WithField("snapshot", snap.String()).Warn("skipping manifest during gc mark")
				continue
			}
			marked += n
		}
	}
	return marked, manifestsRead, nil
}

func markManifest(store *datastore.Store, snap datastore.Snapshot, m *datastore.Manifest) (uint64, error) {
	dir := filepath.Join(store.Root(), snap.RelativePath())
	var marked uint64
	for _, fe := range m.Files {
		var idx index.IndexFile
		switch fe.Kind {
		case datastore.FileFixedIndex:
			r, err := index.OpenFixed(filepath.Join(dir, fe.Filename))
			if err != nil {
				return marked, err
			}
			idx = r
		case datastore.FileDynamicIndex:
			r, err := index.OpenDynamic(filepath.Join(dir, fe.Filename))
			if err != nil {
				return marked, err
			}
			idx = r
		default:
			continue // plain blobs reference no chunks
		}
		for i := 0; i < idx.IndexCount(); i++ {
			ci, err := idx.ChunkInfo(i)
			if err != nil {
				return marked, err
			}
			if _, err := store.Chunks().CondTouchChunk(ci.Digest, false); err != nil {
				return marked, err
			}
			marked++
		}
	}
	return marked, nil
}
