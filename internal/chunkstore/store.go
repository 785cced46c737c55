// Package chunkstore implements the content-addressed, deduplicating blob
// store keyed by SHA-256 digest (spec.md §4.2).
package chunkstore

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/applog"
	"github.com/wofferl/proxmox-backup/internal/digest"
	"github.com/wofferl/proxmox-backup/internal/filelock"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

var log = applog.For("chunkstore")

// LockFile is the name of the store-wide shared/exclusive advisory lock.
const LockFile = ".lock"

// writersDir holds one small file per currently-active shared-lock holder
// (backup ingest, pull/sync), named by a random id and containing that
// holder's Unix start time. GC's cutoff computation scans it to find
// "the epoch of the oldest shared-lock holder system-wide" (spec.md §9),
// which a bare flock(2) hold gives no way to recover on its own.
const writersDir = "writers"

// Store is a chunk store rooted at a directory. It does not itself hold
// any lock across calls: callers acquire Shared (during backups/index
// writes/GC mark) or Exclusive (during GC sweep) and keep it alive for as
// long as spec.md §5's lock matrix requires, around their calls to the
// methods below; no method takes or checks the lock itself.
type Store struct {
	root string
}

// Open validates (or creates) the on-disk layout at root: chunks/, its
// 256 two-hex-digit subdirectories (00..ff), and the lock file.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "chunks"), 0o755); err != nil {
		return nil, errors.Wrap(err, "create chunks dir")
	}
	for i := 0; i < 1<<16; i++ {
		dir := filepath.Join(root, "chunks", hexByte2(i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create chunk subdir %s", dir)
		}
	}
	lockPath := filepath.Join(root, LockFile)
	if _, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDONLY, 0o644); err != nil {
		return nil, errors.Wrap(err, "create lock file")
	}
	if err := os.MkdirAll(filepath.Join(root, writersDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "create writers dir")
	}
	if err := checkAtimeEnabled(root); err != nil {
		return nil, err
	}
	cleanupStaleTemps(root)
	return &Store{root: root}, nil
}

func hexByte2(i int) string {
	const hexdigits = "0123456789abcdef"
	return string([]byte{hexdigits[(i>>12)&0xf], hexdigits[(i>>8)&0xf], hexdigits[(i>>4)&0xf], hexdigits[i&0xf]})[0:2]
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// LockPath is the path to the store-wide advisory lock.
func (s *Store) LockPath() string { return filepath.Join(s.root, LockFile) }

// AcquireShared takes the store lock in shared mode: any number of
// writers/mark-phase GC passes may hold it concurrently.
func (s *Store) AcquireShared() (*filelock.Lock, error) {
	return filelock.Shared(s.LockPath())
}

// AcquireExclusive attempts to take the store lock in exclusive mode
// without blocking, used by GC sweep. Per spec.md §9, a blocking upgrade
// isn't safe, so this returns xerrors.ErrGCBusy instead of waiting.
func (s *Store) AcquireExclusive() (*filelock.Lock, error) {
	l, err := filelock.TryExclusive(s.LockPath())
	if errors.Is(err, xerrors.ErrLockBusy) {
		return nil, xerrors.ErrGCBusy
	}
	return l, err
}

// WriterRegistration is a held entry in the writer registry, removed by
// Close once the caller releases its shared store lock.
type WriterRegistration struct {
	path string
}

// Close deregisters the writer.
func (r *WriterRegistration) Close() error {
	if r == nil {
		return nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove writer registration")
	}
	return nil
}

// RegisterWriter records this process as an active shared-lock holder,
// starting now. Callers that take AcquireShared for the duration of a
// backup ingest or a pull/sync run should also hold a WriterRegistration
// for that same span, and release both together.
func (s *Store) RegisterWriter() (*WriterRegistration, error) {
	path := filepath.Join(s.root, writersDir, randSuffix())
	data := []byte(strconv.FormatInt(time.Now().Unix(), 10))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, errors.Wrap(err, "write writer registration")
	}
	return &WriterRegistration{path: path}, nil
}

// OldestWriterStart scans the writer registry and returns the earliest
// still-registered start time, or ok=false if no writer is currently
// registered. A registration file that fails to parse (e.g. a half-written
// file from a crashed process) is skipped rather than treated as fatal.
func (s *Store) OldestWriterStart() (t time.Time, ok bool, err error) {
	entries, err := os.ReadDir(filepath.Join(s.root, writersDir))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, errors.Wrap(err, "list writers dir")
	}
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(s.root, writersDir, e.Name()))
		if err != nil {
			continue
		}
		sec, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			continue
		}
		start := time.Unix(sec, 0).UTC()
		if !ok || start.Before(t) {
			t, ok = start, true
		}
	}
	return t, ok, nil
}

func (s *Store) chunkPath(d digest.Digest) string {
	hex := d.String()
	return filepath.Join(s.root, "chunks", hex[:2], hex)
}

// InsertChunk writes raw (an already-framed blob) under digest d if it
// isn't already present, or touches its atime if it is. Caller must hold
// at least a shared store lock for the duration of the call.
func (s *Store) InsertChunk(raw []byte, d digest.Digest) (alreadyPresent bool, size uint64, err error) {
	path := s.chunkPath(d)

	if fi, err := os.Stat(path); err == nil {
		if err := touch(path); err != nil {
			return false, 0, errors.Wrap(err, "touch atime")
		}
		return true, uint64(fi.Size()), nil
	} else if !os.IsNotExist(err) {
		return false, 0, errors.Wrap(err, "stat chunk")
	}

	tmpPath := path + ".tmp." + randSuffix()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false, 0, errors.Wrap(err, "create temp chunk")
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return false, 0, errors.Wrap(err, "write temp chunk")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return false, 0, errors.Wrap(err, "fsync temp chunk")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return false, 0, errors.Wrap(err, "close temp chunk")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return false, 0, errors.Wrap(err, "rename temp chunk")
	}
	return false, uint64(len(raw)), nil
}

// CondTouchChunk updates the chunk's atime if present, returning whether
// it existed. If assertExists and the chunk is missing, it returns
// xerrors.ErrMissingChunk.
func (s *Store) CondTouchChunk(d digest.Digest, assertExists bool) (bool, error) {
	path := s.chunkPath(d)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if assertExists {
				return false, xerrors.ErrMissingChunk
			}
			return false, nil
		}
		return false, errors.Wrap(err, "stat chunk")
	}
	if err := touch(path); err != nil {
		return true, errors.Wrap(err, "touch atime")
	}
	return true, nil
}

// ReadChunk opens and returns the raw framed bytes for digest d. Blob-level
// CRC verification is the caller's job (blob.Decode), this only reads.
func (s *Store) ReadChunk(d digest.Digest) ([]byte, error) {
	path := s.chunkPath(d)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.ErrMissingChunk
		}
		return nil, errors.Wrap(err, "read chunk")
	}
	if len(raw) < 12 {
		return nil, xerrors.ErrCorrupt
	}
	return raw, nil
}

// Quarantine renames a corrupt chunk out of the way (".bad" suffix) instead
// of deleting it, so an operator can inspect what went wrong.
func (s *Store) Quarantine(d digest.Digest) error {
	path := s.chunkPath(d)
	dst := path + ".bad"
	if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "quarantine chunk")
	}
	log.WithField("digest", d.String()).Warn("quarantined corrupt chunk")
	return nil
}

// Exists reports whether a chunk file exists for digest d, without
// touching its atime.
func (s *Store) Exists(d digest.Digest) bool {
	_, err := os.Stat(s.chunkPath(d))
	return err == nil
}

func touch(path string) error {
	now := time.Now()
	// Sets both atime and mtime: on platforms where atimeOf falls back to
	// mtime, the mtime update is what marks the chunk live.
	return os.Chtimes(path, now, now)
}

func randSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// cleanupStaleTemps removes leftover ".tmp.*" files from a prior process
// that crashed mid-insert (spec.md §4.2: "partial .tmp files MUST be
// cleaned on process restart").
func cleanupStaleTemps(root string) {
	chunksDir := filepath.Join(root, "chunks")
	entries, err := os.ReadDir(chunksDir)
	if err != nil {
		return
	}
	for _, sub := range entries {
		if !sub.IsDir() {
			continue
		}
		subPath := filepath.Join(chunksDir, sub.Name())
		files, err := os.ReadDir(subPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if len(f.Name()) > 4 && f.Name()[len(f.Name())-4:] != ".bad" {
				// match "<digest>.tmp.<rand>"
				if idx := indexTmp(f.Name()); idx >= 0 {
					p := filepath.Join(subPath, f.Name())
					if err := os.Remove(p); err == nil {
						log.WithField("path", p).Info("removed stale temp chunk from prior run")
					}
				}
			}
		}
	}
}

func indexTmp(name string) int {
	const marker = ".tmp."
	for i := 0; i+len(marker) <= len(name); i++ {
		if name[i:i+len(marker)] == marker {
			return i
		}
	}
	return -1
}

// checkAtimeEnabled refuses to operate on a filesystem mounted noatime,
// since GC correctness depends on the kernel maintaining atime (spec.md
// §4.2 design notes, §9).
func checkAtimeEnabled(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		// Not Linux, or /proc unavailable: can't verify, proceed
		// optimistically rather than block non-Linux test environments.
		return nil
	}
	defer f.Close()

	bestLen := -1
	noatime := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		mountPoint, opts, ok := parseMountInfoLine(line)
		if !ok {
			continue
		}
		if len(mountPoint) > bestLen && withinPath(abs, mountPoint) {
			bestLen = len(mountPoint)
			noatime = containsOpt(opts, "noatime")
		}
	}
	if noatime {
		return errors.Errorf("refusing to run: %s is mounted noatime, which breaks GC liveness tracking", abs)
	}
	return nil
}

func withinPath(path, mount string) bool {
	if mount == "/" {
		return true
	}
	return path == mount || len(path) > len(mount) && path[:len(mount)+1] == mount+"/"
}

func containsOpt(opts, want string) bool {
	start := 0
	for i := 0; i <= len(opts); i++ {
		if i == len(opts) || opts[i] == ',' {
			if opts[start:i] == want {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// parseMountInfoLine extracts (mount point, per-mount options) from one
// /proc/self/mountinfo line (see proc(5) for the field layout).
func parseMountInfoLine(line string) (mountPoint, opts string, ok bool) {
	fields := splitFields(line)
	if len(fields) < 7 {
		return "", "", false
	}
	mountPoint = fields[4]
	mountOpts := fields[5]
	sep := -1
	for i, f := range fields {
		if f == "-" {
			sep = i
			break
		}
	}
	if sep < 0 || sep+2 >= len(fields) {
		return mountPoint, mountOpts, true
	}
	superOpts := fields[sep+3]
	return mountPoint, mountOpts + "," + superOpts, true
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start < 0 {
				start = i
			}
		} else if start >= 0 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}
