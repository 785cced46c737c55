// Package block implements the narrow SCSI tape block layer spec.md §4.8
// needs: variable-length block I/O, filemarks, LEOM (logical end of
// medium) signaling, and move-to-file by spacing over filemarks -
// grounded on original_source/src/tape/drive/mod.rs's TapeDriver trait,
// kept intentionally narrow (not a general ioctl/SG_IO reimplementation,
// per this module's design note).
package block

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wofferl/proxmox-backup/internal/applog"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

var log = applog.For("tape/block")

// Drive is an open tape device node (e.g. /dev/nst0), in variable block
// mode.
type Drive struct {
	f    *os.File
	path string

	mu sync.Mutex
	// locateOffsets records each file number MoveToFile has moved to. The
	// recorded values are not read back: every move spaces over filemarks
	// relative to the current position, with no LOCATE(16) and no
	// calibration step.
	locateOffsets map[uint64]int64
	// consecutiveFilemarks counts back-to-back zero-length reads, so two
	// in a row (double filemark) is reported as end of recorded data
	// rather than just "end of this file".
	consecutiveFilemarks int
}

// Open opens path in variable block mode.
func Open(path string) (*Drive, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open tape device %s", path)
	}
	d := &Drive{f: f, path: path, locateOffsets: make(map[uint64]int64)}
	if err := mtOp(f, mtSETBLK, 0); err != nil {
		log.WithError(err).WithField("path", path).Warn("could not set variable block mode")
	}
	return d, nil
}

// Close releases the device node.
func (d *Drive) Close() error { return d.f.Close() }

// Rewind moves to the beginning of the tape.
func (d *Drive) Rewind() error { return mtOp(d.f, mtREW, 1) }

// MoveToEOM moves to the end of recorded data, flushing the drive's write
// buffer.
func (d *Drive) MoveToEOM() error { return mtOp(d.f, mtEOM, 1) }

// CurrentFileNumber returns the tape's current position as a zero-based
// file (filemark-delimited archive) index.
func (d *Drive) CurrentFileNumber() (uint64, error) {
	n, err := mtFileNumber(d.f)
	if err != nil {
		return 0, errors.Wrap(err, "read tape position")
	}
	return uint64(n), nil
}

// MoveToFile seeks to the start of archive file by spacing over filemarks
// from the current position (FSF forward, or BSF then FSF backward). It
// does not use LOCATE and does not calibrate: every call pays for a linear
// space from wherever the tape is, and the offsets it records in
// locateOffsets are not used by later calls.
func (d *Drive) MoveToFile(file uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.CurrentFileNumber()
	if err != nil {
		return err
	}
	if cur == file {
		return nil
	}
	if cur > file {
		if err := mtOp(d.f, mtBSF, int32(cur-file)+1); err != nil {
			return errors.Wrap(err, "backward space file")
		}
		// BSF N+1 then FSF 1 lands exactly at the start of the target
		// file's data, past its own leading filemark.
		if err := mtOp(d.f, mtFSF, 1); err != nil {
			return errors.Wrap(err, "forward space file")
		}
	} else {
		if err := mtOp(d.f, mtFSF, int32(file-cur)); err != nil {
			return errors.Wrap(err, "forward space file")
		}
	}
	d.locateOffsets[file] = int64(file)
	d.consecutiveFilemarks = 0
	return nil
}

// MoveToLastFile seeks to the start of the last recorded file.
func (d *Drive) MoveToLastFile() error {
	if err := d.MoveToEOM(); err != nil {
		return err
	}
	// BSF 2 stops before the last file's leading filemark; FSF 1 steps
	// over it to the start of the file's data.
	if err := mtOp(d.f, mtBSF, 2); err != nil {
		return err
	}
	return mtOp(d.f, mtFSF, 1)
}

// WriteFilemark writes a tape mark, the delimiter between archive files.
func (d *Drive) WriteFilemark() error {
	return mtOp(d.f, mtWEOF, 1)
}

// Sync flushes any buffered writes to the physical medium.
func (d *Drive) Sync() error {
	return d.f.Sync()
}

// WriteBlock writes one variable-length block. leom is true if the drive
// signaled logical end of medium while accepting this block (the kernel
// st driver reports this as ENOSPC on the write that crosses the
// early-warning mark, while still committing the data) - spec.md §4.8's
// LEOM bool is threaded back to the caller instead of being an error.
func (d *Drive) WriteBlock(data []byte) (leom bool, err error) {
	n, err := unix.Write(int(d.f.Fd()), data)
	if err == unix.ENOSPC {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "write tape block")
	}
	if n != len(data) {
		return false, errors.Errorf("short tape write: wrote %d of %d bytes", n, len(data))
	}
	d.consecutiveFilemarks = 0
	return false, nil
}

// ReadBlock reads one variable-length block into buf, returning the
// number of bytes read. A zero-length read is a filemark: the first one
// is reported as xerrors.TapeEndOfFile, a second consecutive one (no
// intervening successful read) as xerrors.TapeEndOfStream, matching
// BlockReadError's EndOfFile/EndOfStream split in original_source.
func (d *Drive) ReadBlock(buf []byte) (int, error) {
	n, err := unix.Read(int(d.f.Fd()), buf)
	if err != nil {
		return 0, errors.Wrap(err, "read tape block")
	}
	if n == 0 {
		d.consecutiveFilemarks++
		if d.consecutiveFilemarks >= 2 {
			return 0, xerrors.TapeEndOfStream{}
		}
		return 0, xerrors.TapeEndOfFile{}
	}
	d.consecutiveFilemarks = 0
	return n, nil
}

// ReadAll drains the current file into w, stopping cleanly at the next
// filemark.
func (d *Drive) ReadAll(w io.Writer, buf []byte) (int64, error) {
	var total int64
	for {
		n, err := d.ReadBlock(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if _, ok := err.(xerrors.TapeEndOfFile); ok {
				return total, nil
			}
			return total, err
		}
	}
}
