// Package xerrors declares the sentinel error taxonomy shared by every
// storage-core package, so callers can branch on failure kind with
// errors.Is/errors.As instead of matching strings.
package xerrors

import "errors"

var (
	// ErrCrcMismatch means a blob or chunk's CRC32 did not match its stored value.
	ErrCrcMismatch = errors.New("crc mismatch")
	// ErrUnknownMagic means a blob header carried a magic the codec doesn't recognize.
	ErrUnknownMagic = errors.New("unknown magic")
	// ErrAuthFailed means HMAC or AEAD tag verification failed.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrMissingKey means the caller needs a key that wasn't supplied.
	ErrMissingKey = errors.New("missing encryption key")
	// ErrTooLarge means a payload exceeds the 128 MiB blob limit.
	ErrTooLarge = errors.New("blob too large")
	// ErrCorrupt means a stored chunk/index file is short or otherwise malformed.
	ErrCorrupt = errors.New("corrupt data")

	// ErrMissingChunk means a referenced digest has no backing chunk file.
	ErrMissingChunk = errors.New("missing chunk")

	// ErrLockBusy means a lock could not be acquired without blocking.
	ErrLockBusy = errors.New("lock busy")
	// ErrLockTimeout means a blocking lock acquisition exceeded its deadline.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrOwnerMismatch means the caller's identity doesn't own a group.
	ErrOwnerMismatch = errors.New("owner mismatch")

	// ErrRemoteNotFound models a 404 from a remote datastore during sync.
	ErrRemoteNotFound = errors.New("remote object not found")

	// ErrManifestMismatch means a file's recomputed checksum doesn't match the manifest.
	ErrManifestMismatch = errors.New("manifest verification failed")

	// ErrGCBusy means a GC sweep could not upgrade to the exclusive store lock.
	ErrGCBusy = errors.New("gc busy")

	// ErrLocateFailed means the tape drive's LOCATE calibration failed twice.
	ErrLocateFailed = errors.New("tape locate failed")
)

// LEOM (logical end of medium) is not an error - block.Drive.WriteBlock
// returns it as a bool signal, not through the error channel.

// TapeEndOfFile signals a filemark was encountered while reading a tape file.
type TapeEndOfFile struct{}

func (TapeEndOfFile) Error() string { return "tape: end of file (filemark)" }

// TapeEndOfStream signals blank media / end-of-data while reading.
type TapeEndOfStream struct{}

func (TapeEndOfStream) Error() string { return "tape: end of data" }
