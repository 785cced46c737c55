// Package prune implements the calendar-bucket retention algorithm of
// spec.md §4.6, grounded on original_source/src/backup/prune.rs's
// compute_prune_info/mark_selections/remove_incomplete_snapshots.
package prune

import (
	"fmt"
	"sort"
	"time"

	"github.com/wofferl/proxmox-backup/internal/datastore"
)

type keepMark int

const (
	markUnset keepMark = iota
	markKeep
	markKeepPartial
	markRemove
)

// Info is one candidate for pruning: a snapshot plus whether its manifest
// exists (a manifest-less snapshot is an incomplete/interrupted backup).
type Info struct {
	Snapshot    datastore.Snapshot
	HasManifest bool
}

// Options mirrors the original's PruneOptions: each Keep* is "unset" when
// nil, meaning that retention class is not applied at all (distinct from
// zero, which would keep nothing in that class).
type Options struct {
	KeepLast    *uint64
	KeepDaily   *uint64
	KeepWeekly  *uint64
	KeepMonthly *uint64
	KeepYearly  *uint64
}

// Decision pairs a candidate with whether pruning should keep it.
type Decision struct {
	Info Info
	Keep bool
}

// Compute decides, for every snapshot in list, whether retention rules
// keep it or mark it for removal. It never mutates or touches disk -
// callers apply the decision via datastore.Store.RemoveBackupDir.
func Compute(list []Info, opts Options) []Decision {
	sorted := append([]Info(nil), list...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Snapshot.Time.After(sorted[j].Snapshot.Time) // newest first
	})

	mark := make(map[string]keepMark, len(sorted))

	removeIncompleteSnapshots(mark, sorted)

	if opts.KeepLast != nil {
		markSelections(mark, sorted, *opts.KeepLast, func(_ time.Time, info Info) string {
			return info.Snapshot.TimeString()
		})
	}
	if opts.KeepDaily != nil {
		markSelections(mark, sorted, *opts.KeepDaily, func(lt time.Time, _ Info) string {
			return fmt.Sprintf("%d/%d/%d", lt.Year(), lt.Month(), lt.Day())
		})
	}
	if opts.KeepWeekly != nil {
		markSelections(mark, sorted, *opts.KeepWeekly, func(lt time.Time, _ Info) string {
			year, week := lt.ISOWeek()
			return fmt.Sprintf("%d/%d", year, week)
		})
	}
	if opts.KeepMonthly != nil {
		markSelections(mark, sorted, *opts.KeepMonthly, func(lt time.Time, _ Info) string {
			return fmt.Sprintf("%d/%d", lt.Year(), lt.Month())
		})
	}
	if opts.KeepYearly != nil {
		markSelections(mark, sorted, *opts.KeepYearly, func(lt time.Time, _ Info) string {
			return fmt.Sprintf("%d/%d", lt.Year(), lt.Year())
		})
	}

	out := make([]Decision, len(sorted))
	for i, info := range sorted {
		id := info.Snapshot.RelativePath()
		keep := mark[id] == markKeep || mark[id] == markKeepPartial
		out[i] = Decision{Info: info, Keep: keep}
	}
	return out
}

// removeIncompleteSnapshots keeps the single most recent snapshot with no
// manifest (it may still be running, or have just failed) and marks every
// older incomplete one for removal, stopping the "keep first unfinished"
// search as soon as a finished backup is seen.
func removeIncompleteSnapshots(mark map[string]keepMark, list []Info) {
	keepUnfinished := true
	for _, info := range list {
		if info.HasManifest {
			keepUnfinished = false
			continue
		}
		id := info.Snapshot.RelativePath()
		if keepUnfinished {
			mark[id] = markKeepPartial
		} else {
			mark[id] = markRemove
		}
		keepUnfinished = false
	}
}

// markSelections keeps the first `keep` snapshots (in the newest-first
// list order) with distinct selectID values, marking later entries that
// land in an already-kept bucket for removal. Entries already marked
// (Keep, by an earlier/finer retention class, or KeepPartial/removal from
// removeIncompleteSnapshots) are left untouched; the bucket ids of the
// Keep-marked ones are excluded so this class's quota isn't spent on a
// bucket something else already protected.
func markSelections(mark map[string]keepMark, list []Info, keep uint64, selectID func(time.Time, Info) string) {
	alreadyIncluded := make(map[string]struct{})
	for _, info := range list {
		id := info.Snapshot.RelativePath()
		if mark[id] == markKeep {
			local := info.Snapshot.Time.Local()
			alreadyIncluded[selectID(local, info)] = struct{}{}
		}
	}

	included := make(map[string]struct{})
	for _, info := range list {
		id := info.Snapshot.RelativePath()
		if _, ok := mark[id]; ok {
			continue
		}
		local := info.Snapshot.Time.Local()
		sel := selectID(local, info)
		if _, ok := alreadyIncluded[sel]; ok {
			continue
		}
		if _, ok := included[sel]; ok {
			mark[id] = markRemove
			continue
		}
		if uint64(len(included)) >= keep {
			break
		}
		included[sel] = struct{}{}
		mark[id] = markKeep
	}
}
