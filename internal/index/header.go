// Package index implements the fixed (.fidx) and dynamic (.didx) chunk
// index file formats (spec.md §4.3): a 4 KiB-aligned header followed by a
// flat array of equal-size records, referencing chunks in a chunkstore.Store
// by digest.
package index

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

// HeaderSize is the size of the fixed, 4 KiB-aligned preamble common to
// both index shapes (spec.md §6: "fixed 4096-byte aligned block").
const HeaderSize = 4096

// Magic identifies whether a file is a fixed or dynamic index.
type Magic [8]byte

var (
	MagicFixed   = Magic{0x47, 0x02, 0x19, 0x8f, 0xa5, 0xcc, 0x3d, 0x01}
	MagicDynamic = Magic{0x28, 0xfc, 0x51, 0x2d, 0x8a, 0x3b, 0xc7, 0x9d}
)

// CryptMode records whether (and how) the chunks referenced by this index
// are themselves encrypted; it does not encrypt the index file itself.
type CryptMode byte

const (
	CryptNone CryptMode = iota
	CryptEncrypted
	CryptSignedOnly
)

// fixedHeader is the on-disk layout of a .fidx header, little-endian,
// zero-padded to HeaderSize.
type fixedHeader struct {
	Magic     Magic
	UUID      [16]byte
	CTime     int64
	ChunkSize uint64
	Size      uint64
	Crypt     CryptMode
	// Reserved bytes fill the remainder of HeaderSize and MUST be zero.
}

// dynamicHeader is the on-disk layout of a .didx header.
type dynamicHeader struct {
	Magic Magic
	UUID  [16]byte
	CTime int64
	Crypt CryptMode
	// Reserved bytes fill the remainder of HeaderSize and MUST be zero.
}

func newUUID() [16]byte {
	var out [16]byte
	id := uuid.New()
	copy(out[:], id[:])
	return out
}

func encodeFixedHeader(h fixedHeader) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.Magic[:])
	copy(buf[8:24], h.UUID[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.CTime))
	binary.LittleEndian.PutUint64(buf[32:40], h.ChunkSize)
	binary.LittleEndian.PutUint64(buf[40:48], h.Size)
	buf[48] = byte(h.Crypt)
	return buf
}

func decodeFixedHeader(buf []byte) (fixedHeader, error) {
	var h fixedHeader
	if len(buf) < HeaderSize {
		return h, xerrors.ErrCorrupt
	}
	copy(h.Magic[:], buf[0:8])
	if h.Magic != MagicFixed {
		return h, xerrors.ErrUnknownMagic
	}
	copy(h.UUID[:], buf[8:24])
	h.CTime = int64(binary.LittleEndian.Uint64(buf[24:32]))
	h.ChunkSize = binary.LittleEndian.Uint64(buf[32:40])
	h.Size = binary.LittleEndian.Uint64(buf[40:48])
	h.Crypt = CryptMode(buf[48])
	return h, nil
}

func encodeDynamicHeader(h dynamicHeader) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.Magic[:])
	copy(buf[8:24], h.UUID[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.CTime))
	buf[32] = byte(h.Crypt)
	return buf
}

func decodeDynamicHeader(buf []byte) (dynamicHeader, error) {
	var h dynamicHeader
	if len(buf) < HeaderSize {
		return h, xerrors.ErrCorrupt
	}
	copy(h.Magic[:], buf[0:8])
	if h.Magic != MagicDynamic {
		return h, xerrors.ErrUnknownMagic
	}
	copy(h.UUID[:], buf[8:24])
	h.CTime = int64(binary.LittleEndian.Uint64(buf[24:32]))
	h.Crypt = CryptMode(buf[32])
	return h, nil
}

func nowUnix() int64 { return time.Now().Unix() }
