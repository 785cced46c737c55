package blob

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"

	"github.com/dolthub/gozstd"

	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

// StreamThreshold is the size above which callers SHOULD prefer the
// streaming writer/reader over the buffering Encode/Decode pair
// (spec.md §4.1: "≥ 16 MiB blobs do not require full buffering").
const StreamThreshold = 16 * 1024 * 1024

// teeSink feeds every written byte to the running CRC while forwarding it
// to the real sink, so the writer never has to re-read what it just wrote.
type teeSink struct {
	dst io.Writer
	crc hash.Hash32
}

func (t *teeSink) Write(p []byte) (int, error) {
	t.crc.Write(p)
	return t.dst.Write(p)
}

// Writer frames a blob directly onto a seekable sink without buffering the
// whole payload in memory. It never encrypts (AEAD needs the tag up front)
// and never retries without compression (the "use compression only if
// shorter" rule in Encode needs the full payload buffered to compare
// sizes) - large encrypted or size-sensitive blobs should use Encode.
// The header's CRC field is back-patched on Close, so dst must be
// seekable.
type Writer struct {
	dst    io.WriteSeeker
	sink   *teeSink
	zw     *gozstd.Writer
	closed bool
}

// NewWriter begins streaming a blob to dst, compressing with zstd when
// compress is true.
func NewWriter(dst io.WriteSeeker, compress bool) (*Writer, error) {
	magic := MagicUncompressed
	if compress {
		magic = MagicZstd
	}
	hdrLen, _ := headerSize(magic)
	header := make([]byte, hdrLen)
	copy(header[0:8], magic[:])
	if _, err := dst.Write(header); err != nil {
		return nil, err
	}

	sink := &teeSink{dst: dst, crc: crc32.NewIEEE()}
	w := &Writer{dst: dst, sink: sink}
	if compress {
		w.zw = gozstd.NewWriter(sink)
	}
	return w, nil
}

// Write streams more plaintext into the blob.
func (w *Writer) Write(p []byte) (int, error) {
	if w.zw != nil {
		return w.zw.Write(p)
	}
	return w.sink.Write(p)
}

// Close flushes any pending compressed output and back-patches the CRC.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return err
		}
	}
	crc := w.sink.crc.Sum32()
	var crcBytes [4]byte
	binary.LittleEndian.PutUint32(crcBytes[:], crc)
	if _, err := w.dst.Seek(8, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.dst.Write(crcBytes[:]); err != nil {
		return err
	}
	_, err := w.dst.Seek(0, io.SeekEnd)
	return err
}

// Reader streams plaintext out of an uncompressed or zstd-compressed blob
// without buffering the whole payload. Because the CRC sits in the fixed
// header rather than a trailer, it cannot be checked before the first byte
// of plaintext is produced; Err returns the verification result once the
// underlying stream is exhausted, and callers that need the "never emit
// unverified plaintext" guarantee of spec.md §4.1 should use Decode
// instead for blobs under StreamThreshold.
type Reader struct {
	src     io.Reader
	crc     hash.Hash32
	zr      *gozstd.Reader
	wantCRC uint32
	err     error
	done    bool
}

// NewReader parses the header of src and returns a Reader over its
// plaintext. It only supports the two unencrypted, unsigned magics; other
// variants must use Decode.
func NewReader(src io.Reader) (*Reader, error) {
	var header [8 + 4]byte
	if _, err := io.ReadFull(src, header[:]); err != nil {
		return nil, err
	}
	var magic Magic
	copy(magic[:], header[0:8])
	wantCRC := binary.LittleEndian.Uint32(header[8:12])

	switch magic {
	case MagicUncompressed:
		crc := crc32.NewIEEE()
		return &Reader{src: io.TeeReader(src, crc), crc: crc, wantCRC: wantCRC}, nil
	case MagicZstd:
		crc := crc32.NewIEEE()
		tee := io.TeeReader(src, crc)
		return &Reader{src: nil, zr: gozstd.NewReader(tee), crc: crc, wantCRC: wantCRC}, nil
	default:
		return nil, xerrors.ErrUnknownMagic
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	var n int
	var err error
	if r.zr != nil {
		n, err = r.zr.Read(p)
	} else {
		n, err = r.src.Read(p)
	}
	if err == io.EOF {
		r.done = true
		if r.crc.Sum32() != r.wantCRC {
			r.err = xerrors.ErrCrcMismatch
			return n, r.err
		}
	}
	return n, err
}

// Err returns the CRC verification outcome once Read has returned io.EOF;
// it is nil before that point.
func (r *Reader) Err() error { return r.err }
