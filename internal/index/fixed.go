package index

import (
	"crypto/sha256"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/digest"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

// FixedWriter builds a .fidx file: chunkSize is identical for every chunk
// except the last, which may be shorter (spec.md §4.3).
type FixedWriter struct {
	tmpPath   string
	f         *os.File
	chunkSize uint64
	size      uint64
	count     uint64
}

// CreateFixed opens <finalPath>.tmp for writing; call Finalize to publish it
// atomically at finalPath.
func CreateFixed(finalPath string, chunkSize, size uint64) (*FixedWriter, string, error) {
	tmp := finalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", errors.Wrap(err, "create fixed index temp file")
	}
	// Reserve header space; it's rewritten with real values in Finalize
	// once the digest count is final (count is implicit for fixed
	// indexes - size/chunkSize - but we still delay the write so a
	// caller that aborts leaves no half-finished-looking header).
	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		f.Close()
		return nil, "", errors.Wrap(err, "write header placeholder")
	}
	return &FixedWriter{tmpPath: tmp, f: f, chunkSize: chunkSize, size: size}, tmp, nil
}

// AddDigest appends the next sequential chunk's digest.
func (w *FixedWriter) AddDigest(d digest.Digest) error {
	if _, err := w.f.Write(d[:]); err != nil {
		return errors.Wrap(err, "write digest record")
	}
	w.count++
	return nil
}

// Finalize writes the real header and atomically renames the temp file to
// finalPath.
func (w *FixedWriter) Finalize(finalPath string) error {
	h := fixedHeader{
		Magic:     MagicFixed,
		UUID:      newUUID(),
		CTime:     nowUnix(),
		ChunkSize: w.chunkSize,
		Size:      w.size,
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return errors.Wrap(err, "seek to header")
	}
	if _, err := w.f.Write(encodeFixedHeader(h)); err != nil {
		return errors.Wrap(err, "write header")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "fsync index")
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrap(err, "close index")
	}
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return errors.Wrap(err, "rename index")
	}
	return nil
}

// Abort discards the temp file without publishing it.
func (w *FixedWriter) Abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// FixedReader reads a finalized .fidx file.
type FixedReader struct {
	header  fixedHeader
	digests []digest.Digest
}

// OpenFixed validates the header and loads the digest array. Index files
// can run to hundreds of megabytes for a single large backup archive, so
// the file is memory-mapped read-only rather than read whole into a
// buffer (spec.md §4.3 index files are read far more often than written,
// which favors letting the kernel page the digest array in on demand).
func OpenFixed(path string) (*FixedReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open fixed index")
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mmap fixed index")
	}
	defer m.Unmap()

	if len(m) < HeaderSize {
		return nil, xerrors.ErrCorrupt
	}
	h, err := decodeFixedHeader(m[:HeaderSize])
	if err != nil {
		return nil, err
	}
	body := m[HeaderSize:]
	if len(body)%digest.Size != 0 {
		return nil, xerrors.ErrCorrupt
	}
	count := len(body) / digest.Size
	digests := make([]digest.Digest, count)
	for i := 0; i < count; i++ {
		copy(digests[i][:], body[i*digest.Size:(i+1)*digest.Size])
	}
	return &FixedReader{header: h, digests: digests}, nil
}

// IndexCount is the number of chunk records.
func (r *FixedReader) IndexCount() int { return len(r.digests) }

// Size is the logical reconstructed file size.
func (r *FixedReader) Size() uint64 { return r.header.Size }

// ChunkSize is the fixed per-chunk size (the last chunk may be shorter).
func (r *FixedReader) ChunkSize() uint64 { return r.header.ChunkSize }

// UUID is this index's identifier.
func (r *FixedReader) UUID() [16]byte { return r.header.UUID }

// ChunkInfo returns the digest and byte range for record i.
func (r *FixedReader) ChunkInfo(i int) (ChunkInfo, error) {
	if i < 0 || i >= len(r.digests) {
		return ChunkInfo{}, errors.Errorf("chunk index %d out of range", i)
	}
	start := uint64(i) * r.header.ChunkSize
	end := start + r.header.ChunkSize
	if end > r.header.Size {
		end = r.header.Size
	}
	return ChunkInfo{Digest: r.digests[i], Offset: start, Size: end - start}, nil
}

// Digests returns the full ordered digest list.
func (r *FixedReader) Digests() []digest.Digest { return r.digests }

// ComputeCsum hashes every record (not the header) and returns that
// checksum alongside the logical size, for manifest verification
// (spec.md §4.3: "SHA-256 over all bytes after the header plus size").
func (r *FixedReader) ComputeCsum() ([32]byte, uint64) {
	h := sha256.New()
	for _, d := range r.digests {
		h.Write(d[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, r.header.Size
}
