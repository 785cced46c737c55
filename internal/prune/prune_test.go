package prune

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wofferl/proxmox-backup/internal/datastore"
)

func mkInfo(day int, hasManifest bool) Info {
	return Info{
		Snapshot: datastore.Snapshot{
			Group: datastore.Group{Type: datastore.GroupVM, ID: "100"},
			Time:  time.Date(2026, 1, day, 12, 0, 0, 0, time.UTC),
		},
		HasManifest: hasManifest,
	}
}

func u64(v uint64) *uint64 { return &v }

func TestKeepLastKeepsOnlyMostRecentN(t *testing.T) {
	list := []Info{mkInfo(1, true), mkInfo(2, true), mkInfo(3, true), mkInfo(4, true)}
	decisions := Compute(list, Options{KeepLast: u64(2)})

	kept := 0
	for _, d := range decisions {
		if d.Keep {
			kept++
		}
	}
	require.Equal(t, 2, kept)

	byDay := map[int]bool{}
	for _, d := range decisions {
		byDay[d.Info.Snapshot.Time.Day()] = d.Keep
	}
	require.True(t, byDay[3])
	require.True(t, byDay[4])
	require.False(t, byDay[1])
	require.False(t, byDay[2])
}

func TestIncompleteSnapshotsOlderThanFinishedRemoved(t *testing.T) {
	list := []Info{mkInfo(1, false), mkInfo(2, false), mkInfo(3, true)}
	decisions := Compute(list, Options{})

	var day1, day2, day3 bool
	for _, d := range decisions {
		switch d.Info.Snapshot.Time.Day() {
		case 1:
			day1 = d.Keep
		case 2:
			day2 = d.Keep
		case 3:
			day3 = d.Keep
		}
	}
	require.False(t, day1, "older incomplete snapshot must be removed")
	require.False(t, day2, "the newest incomplete snapshot is removed too, since a newer finished one exists")
	require.False(t, day3, "a finished snapshot is not kept by an empty Options")
}

func TestKeepDailyDoesNotDoubleCountAKeepLastSurvivor(t *testing.T) {
	// Two backups on the same day: keep_last should protect the newest,
	// and keep_daily must not also spend its quota on that same day.
	list := []Info{
		{Snapshot: datastore.Snapshot{Group: datastore.Group{Type: datastore.GroupVM, ID: "100"}, Time: time.Date(2026, 1, 5, 20, 0, 0, 0, time.UTC)}, HasManifest: true},
		{Snapshot: datastore.Snapshot{Group: datastore.Group{Type: datastore.GroupVM, ID: "100"}, Time: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)}, HasManifest: true},
		{Snapshot: datastore.Snapshot{Group: datastore.Group{Type: datastore.GroupVM, ID: "100"}, Time: time.Date(2026, 1, 4, 8, 0, 0, 0, time.UTC)}, HasManifest: true},
	}
	decisions := Compute(list, Options{KeepLast: u64(1), KeepDaily: u64(1)})

	kept := 0
	for _, d := range decisions {
		if d.Keep {
			kept++
		}
	}
	// keep_last keeps Jan 5 20:00; keep_daily's quota of 1 must go to a
	// *different* day (Jan 4), since Jan 5 is already covered.
	require.Equal(t, 2, kept)
}

func TestNoOptionsKeepsNothingButNewestUnfinished(t *testing.T) {
	list := []Info{mkInfo(1, true), mkInfo(2, true)}
	decisions := Compute(list, Options{})
	for _, d := range decisions {
		require.False(t, d.Keep)
	}
}
