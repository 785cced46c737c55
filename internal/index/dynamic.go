package index

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/digest"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

const dynamicRecordSize = 8 + digest.Size // end_offset_u64_le + digest[32]

// DynamicWriter builds a .didx file: records are (end_offset, digest) pairs
// in strictly increasing end_offset order, one per content-defined chunk
// (spec.md §4.3).
type DynamicWriter struct {
	tmpPath string
	f       *os.File
	lastEnd uint64
	count   uint64
}

// CreateDynamic opens <finalPath>.tmp for writing.
func CreateDynamic(finalPath string) (*DynamicWriter, string, error) {
	tmp := finalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", errors.Wrap(err, "create dynamic index temp file")
	}
	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		f.Close()
		return nil, "", errors.Wrap(err, "write header placeholder")
	}
	return &DynamicWriter{tmpPath: tmp, f: f}, tmp, nil
}

// AddChunk appends the record for the chunk ending at endOffset (exclusive).
func (w *DynamicWriter) AddChunk(endOffset uint64, d digest.Digest) error {
	if endOffset <= w.lastEnd && w.count > 0 {
		return errors.Errorf("end offsets must strictly increase: got %d after %d", endOffset, w.lastEnd)
	}
	var rec [dynamicRecordSize]byte
	binary.LittleEndian.PutUint64(rec[0:8], endOffset)
	copy(rec[8:], d[:])
	if _, err := w.f.Write(rec[:]); err != nil {
		return errors.Wrap(err, "write dynamic record")
	}
	w.lastEnd = endOffset
	w.count++
	return nil
}

// Finalize writes the header and publishes finalPath atomically.
func (w *DynamicWriter) Finalize(finalPath string) error {
	h := dynamicHeader{
		Magic: MagicDynamic,
		UUID:  newUUID(),
		CTime: nowUnix(),
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return errors.Wrap(err, "seek to header")
	}
	if _, err := w.f.Write(encodeDynamicHeader(h)); err != nil {
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
func (w *DynamicWriter) Abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// DynamicReader reads a finalized .didx file.
type DynamicReader struct {
	header  dynamicHeader
	offsets []uint64
	digests []digest.Digest
}

// OpenDynamic validates the header and loads the record array. Like
// OpenFixed, this memory-maps the file read-only instead of reading it
// whole, since a .didx for a large archive can run to hundreds of
// megabytes (spec.md §4.3).
func OpenDynamic(path string) (*DynamicReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dynamic index")
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mmap dynamic index")
	}
	defer m.Unmap()

	if len(m) < HeaderSize {
		return nil, xerrors.ErrCorrupt
	}
	h, err := decodeDynamicHeader(m[:HeaderSize])
	if err != nil {
		return nil, err
	}
	body := m[HeaderSize:]
	if len(body)%dynamicRecordSize != 0 {
		return nil, xerrors.ErrCorrupt
	}
	count := len(body) / dynamicRecordSize
	offsets := make([]uint64, count)
	digests := make([]digest.Digest, count)
	var prev uint64
	for i := 0; i < count; i++ {
		rec := body[i*dynamicRecordSize : (i+1)*dynamicRecordSize]
		end := binary.LittleEndian.Uint64(rec[0:8])
		if i > 0 && end <= prev {
			return nil, errors.New("dynamic index end offsets not strictly increasing")
		}
		offsets[i] = end
		copy(digests[i][:], rec[8:])
		prev = end
	}
	return &DynamicReader{header: h, offsets: offsets, digests: digests}, nil
}

// IndexCount is the number of chunk records.
func (r *DynamicReader) IndexCount() int { return len(r.digests) }

// Size is the logical reconstructed file size (the last record's end
// offset, or 0 for an empty index).
func (r *DynamicReader) Size() uint64 {
	if len(r.offsets) == 0 {
		return 0
	}
	return r.offsets[len(r.offsets)-1]
}

// UUID is this index's identifier.
func (r *DynamicReader) UUID() [16]byte { return r.header.UUID }

// ChunkInfo returns the digest and byte range for record i: O(1), using
// records[i] and records[i-1].end (spec.md §4.3).
func (r *DynamicReader) ChunkInfo(i int) (ChunkInfo, error) {
	if i < 0 || i >= len(r.digests) {
		return ChunkInfo{}, errors.Errorf("chunk index %d out of range", i)
	}
	var start uint64
	if i > 0 {
		start = r.offsets[i-1]
	}
	end := r.offsets[i]
	return ChunkInfo{Digest: r.digests[i], Offset: start, Size: end - start}, nil
}

// ChunkInfoAt returns the ChunkInfo covering byte offset pos, via binary
// search over end offsets.
func (r *DynamicReader) ChunkInfoAt(pos uint64) (ChunkInfo, error) {
	i := sort.Search(len(r.offsets), func(i int) bool { return r.offsets[i] > pos })
	if i == len(r.offsets) {
		return ChunkInfo{}, errors.Errorf("offset %d past end of index", pos)
	}
	return r.ChunkInfo(i)
}

// ComputeCsum hashes every record (not the header) plus returns the
// logical size, for manifest verification.
func (r *DynamicReader) ComputeCsum() ([32]byte, uint64) {
	h := sha256.New()
	var rec [dynamicRecordSize]byte
	for i, d := range r.digests {
		binary.LittleEndian.PutUint64(rec[0:8], r.offsets[i])
		copy(rec[8:], d[:])
		h.Write(rec[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, r.Size()
}
