// Command proxmox-backup-core is a thin CLI over the storage core
// (internal/datastore, internal/gc, internal/prune, internal/sync):
// enough to exercise a datastore from a terminal without reimplementing
// the HTTP/API surface spec.md scopes out (§1 Non-goals).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/wofferl/proxmox-backup/internal/applog"
	"github.com/wofferl/proxmox-backup/internal/datastore"
	"github.com/wofferl/proxmox-backup/internal/gc"
	"github.com/wofferl/proxmox-backup/internal/index"
	"github.com/wofferl/proxmox-backup/internal/ingest"
	"github.com/wofferl/proxmox-backup/internal/prune"
	syncjob "github.com/wofferl/proxmox-backup/internal/sync"
	"github.com/wofferl/proxmox-backup/internal/worker"
)

var log = applog.For("cli")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return nil
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "help", "-h", "--help":
		usage()
		return nil
	case "backup":
		return cmdBackup(rest)
	case "list":
		return cmdList(rest)
	case "gc":
		return cmdGC(rest)
	case "prune":
		return cmdPrune(rest)
	case "sync":
		return cmdSync(rest)
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `proxmox-backup-core: a thin CLI over the backup storage core

Usage:
  proxmox-backup-core backup -store <dir> -group <type/id> -file <path>
  proxmox-backup-core list   -store <dir> [-group <type/id>]
  proxmox-backup-core gc     -store <dir> [-grace <duration>]
  proxmox-backup-core prune  -store <dir> -group <type/id> [-keep-last N] [-keep-daily N] ...
  proxmox-backup-core sync   -from <dir> -to <dir> [-group <type/id>]`)
}

func setLevel(s string) {
	if lvl, err := logrus.ParseLevel(s); err == nil {
		applog.SetLevel(lvl)
	}
}

func parseGroup(s string) (datastore.Group, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return datastore.Group{Type: datastore.GroupType(s[:i]), ID: s[i+1:]}, nil
		}
	}
	return datastore.Group{}, fmt.Errorf("group must be <type>/<id>, got %q", s)
}

func cmdBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	storeDir := fs.String("store", "", "datastore root")
	groupStr := fs.String("group", "", "backup group, e.g. host/myhost")
	file := fs.String("file", "", "file to ingest as a dynamic index")
	owner := fs.String("owner", "cli", "owning identity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storeDir == "" || *groupStr == "" || *file == "" {
		return fmt.Errorf("backup requires -store, -group, and -file")
	}
	g, err := parseGroup(*groupStr)
	if err != nil {
		return err
	}

	store, err := datastore.Open(*storeDir)
	if err != nil {
		return err
	}

	mgr := worker.NewManager()
	upid := mgr.Spawn("backup", g.String(), *owner, func(h *worker.Handle) error {
		resolvedOwner, lock, err := store.CreateLockedBackupGroup(g, *owner)
		if err != nil {
			return err
		}
		defer lock.Unlock()
		if resolvedOwner != *owner {
			return fmt.Errorf("group %s is owned by %s, not %s", g, resolvedOwner, *owner)
		}

		writer, err := store.BeginWrite()
		if err != nil {
			return err
		}
		defer writer.Close()

		snap := datastore.Snapshot{Group: g, Time: time.Now().UTC()}
		dir, snapLock, _, err := store.CreateLockedBackupDir(snap)
		if err != nil {
			return err
		}

		f, err := os.Open(*file)
		if err != nil {
			store.CleanupBackupDir(snap, snapLock)
			return err
		}
		defer f.Close()

		indexName := "data.didx"
		stats, err := ingest.DynamicIndex(store.Chunks(), f, filepath.Join(dir, indexName), nil, true)
		if err != nil {
			store.CleanupBackupDir(snap, snapLock)
			return err
		}
		h.Log("ingested %d chunks (%d reused), %d bytes read", stats.Chunks, stats.ChunksReused, stats.BytesRead)

		r, err := index.OpenDynamic(filepath.Join(dir, indexName))
		if err != nil {
			store.CleanupBackupDir(snap, snapLock)
			return err
		}
		csum, size := r.ComputeCsum()

		m := &datastore.Manifest{Files: []datastore.FileEntry{
			{Filename: indexName, Kind: datastore.FileDynamicIndex, Size: size, Csum: csum},
		}}
		if err := store.WriteManifest(snap, m, nil); err != nil {
			store.CleanupBackupDir(snap, snapLock)
			return err
		}
		return snapLock.Close()
	})

	if err := mgr.Wait(upid); err != nil {
		return err
	}
	info, err := mgr.Status(upid)
	if err != nil {
		return err
	}
	if info.Status == worker.Error {
		return fmt.Errorf("backup %s failed: %s", upid, info.ErrorMsg)
	}
	fmt.Println(upid)
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	storeDir := fs.String("store", "", "datastore root")
	groupStr := fs.String("group", "", "restrict to one backup group")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storeDir == "" {
		return fmt.Errorf("list requires -store")
	}
	store, err := datastore.Open(*storeDir)
	if err != nil {
		return err
	}

	var groups []datastore.Group
	if *groupStr != "" {
		g, err := parseGroup(*groupStr)
		if err != nil {
			return err
		}
		groups = []datastore.Group{g}
	} else {
		groups, err = store.ListGroups()
		if err != nil {
			return err
		}
	}

	for _, g := range groups {
		snaps, err := store.ListSnapshots(g)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			fmt.Println(snap.String())
		}
	}
	return nil
}

func cmdGC(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	storeDir := fs.String("store", "", "datastore root")
	grace := fs.Duration("grace", 0, "extra safety margin on top of the computed safety window")
	logLevel := fs.String("log-level", "info", "log level (panic|fatal|error|warn|info|debug|trace)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setLevel(*logLevel)
	if *storeDir == "" {
		return fmt.Errorf("gc requires -store")
	}
	store, err := datastore.Open(*storeDir)
	if err != nil {
		return err
	}

	result, err := gc.Run(store, gc.Options{Grace: *grace})
	if err != nil {
		return err
	}
	log.WithField("marked", result.ChunksMarked).
		WithField("removed", result.ChunksRemoved).
		WithField("freed", humanize.Bytes(result.BytesFreed)).
		Info("gc complete")
	fmt.Printf("marked=%d removed=%d freed=%s cutoff=%s\n",
		result.ChunksMarked, result.ChunksRemoved, humanize.Bytes(result.BytesFreed), result.Cutoff.Format(time.RFC3339))
	return nil
}

func cmdPrune(args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	storeDir := fs.String("store", "", "datastore root")
	groupStr := fs.String("group", "", "backup group to prune")
	keepLast := fs.String("keep-last", "", "keep the N most recent snapshots")
	keepDaily := fs.String("keep-daily", "", "keep one snapshot per day for N days")
	keepWeekly := fs.String("keep-weekly", "", "keep one snapshot per week for N weeks")
	keepMonthly := fs.String("keep-monthly", "", "keep one snapshot per month for N months")
	keepYearly := fs.String("keep-yearly", "", "keep one snapshot per year for N years")
	dryRun := fs.Bool("dry-run", false, "only print what would be removed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storeDir == "" || *groupStr == "" {
		return fmt.Errorf("prune requires -store and -group")
	}
	g, err := parseGroup(*groupStr)
	if err != nil {
		return err
	}
	store, err := datastore.Open(*storeDir)
	if err != nil {
		return err
	}

	opts := prune.Options{
		KeepLast:    parseOptionalUint(*keepLast),
		KeepDaily:   parseOptionalUint(*keepDaily),
		KeepWeekly:  parseOptionalUint(*keepWeekly),
		KeepMonthly: parseOptionalUint(*keepMonthly),
		KeepYearly:  parseOptionalUint(*keepYearly),
	}

	snaps, err := store.ListSnapshots(g)
	if err != nil {
		return err
	}
	list := make([]prune.Info, 0, len(snaps))
	for _, snap := range snaps {
		_, err := store.ReadManifest(snap)
		list = append(list, prune.Info{Snapshot: snap, HasManifest: err == nil})
	}

	for _, d := range prune.Compute(list, opts) {
		if d.Keep {
			continue
		}
		fmt.Printf("remove %s\n", d.Info.Snapshot)
		if *dryRun {
			continue
		}
		if err := store.RemoveBackupDir(d.Info.Snapshot, true); err != nil {
			return err
		}
	}
	return nil
}

func parseOptionalUint(s string) *uint64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func cmdSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	from := fs.String("from", "", "source datastore root")
	to := fs.String("to", "", "destination datastore root")
	groupStr := fs.String("group", "", "backup group to sync (omit to sync every remote group)")
	owner := fs.String("owner", "sync", "owning identity on the destination")
	deleteVanished := fs.Bool("delete-vanished", false, "remove local snapshots/groups absent from the remote")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" || *to == "" {
		return fmt.Errorf("sync requires -from and -to")
	}

	remoteStore, err := datastore.Open(*from)
	if err != nil {
		return err
	}
	localStore, err := datastore.Open(*to)
	if err != nil {
		return err
	}
	source := localDatastoreSource{remoteStore}

	var stats *syncjob.Stats
	if *groupStr == "" {
		stats, err = syncjob.Sync(context.Background(), localStore, source, *owner, nil, *deleteVanished)
	} else {
		var g datastore.Group
		g, err = parseGroup(*groupStr)
		if err == nil {
			stats, err = syncjob.PullGroup(context.Background(), localStore, source, g, *owner, nil, *deleteVanished)
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("groups synced=%d snapshots synced=%d skipped=%d chunks fetched=%d skipped=%d bytes=%d\n",
		stats.GroupsSynced, stats.SnapshotsSynced, stats.SnapshotsSkipped, stats.ChunksFetched, stats.ChunksSkipped, stats.BytesFetched)
	return nil
}
