// Package blob implements the chunk/blob on-disk format: a framed,
// optionally compressed/signed/encrypted envelope around an arbitrary
// byte payload (spec.md §4.1).
package blob

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dolthub/gozstd"

	"github.com/wofferl/proxmox-backup/internal/crypt"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

// MaxSize is the largest payload (pre-compression) the codec accepts.
const MaxSize = 128 * 1024 * 1024

// Blob is a fully framed, in-memory blob: header plus payload, exactly as
// it is written to the chunk store or streamed over the wire.
type Blob struct {
	raw []byte
}

// FromRaw wraps already-framed bytes (e.g. read back from a chunk file)
// without touching them; call Decode to validate and unwrap.
func FromRaw(raw []byte) (*Blob, error) {
	if len(raw) < 12 {
		return nil, xerrors.ErrCorrupt
	}
	m := magicOf(raw)
	hdr, ok := headerSize(m)
	if !ok {
		return nil, xerrors.ErrUnknownMagic
	}
	if len(raw) < hdr {
		return nil, xerrors.ErrCorrupt
	}
	return &Blob{raw: raw}, nil
}

// RawData returns the full framed byte slice (header + payload).
func (b *Blob) RawData() []byte { return b.raw }

func magicOf(raw []byte) Magic {
	var m Magic
	copy(m[:], raw[:8])
	return m
}

// Magic returns the blob's header magic.
func (b *Blob) Magic() Magic { return magicOf(b.raw) }

// Size returns the total framed size, i.e. what the chunk store will write
// to disk for this blob.
func (b *Blob) Size() int { return len(b.raw) }

func (b *Blob) crc() uint32 {
	return binary.LittleEndian.Uint32(b.raw[8:12])
}

func (b *Blob) setCRC(v uint32) {
	binary.LittleEndian.PutUint32(b.raw[8:12], v)
}

func (b *Blob) computeCRC() uint32 {
	hdr, _ := headerSize(b.Magic())
	return crc32.ChecksumIEEE(b.raw[hdr:])
}

// VerifyCRC recomputes CRC32 over everything after the (magic, crc) prefix
// and compares against the stored value.
func (b *Blob) VerifyCRC() error {
	if b.computeCRC() != b.crc() {
		return xerrors.ErrCrcMismatch
	}
	return nil
}

// Encode frames data, encrypting it if key is non-nil and compressing it
// with zstd if compress is true and compression actually shrinks the
// payload (spec.md §4.1: "Compression MUST be discarded if its output is
// not strictly shorter than input").
func Encode(data []byte, key *crypt.Config, compress bool) (*Blob, error) {
	if len(data) > MaxSize {
		return nil, xerrors.ErrTooLarge
	}

	if key == nil {
		return encodePlain(data, compress)
	}
	return encodeEncrypted(data, key, compress)
}

// EncodeSigned frames data with an HMAC tag over the plaintext instead of
// encrypting it - used when the payload need not be secret but its
// integrity must be provable to anyone holding the key (manifests).
func EncodeSigned(data []byte, key *crypt.Config, compress bool) (*Blob, error) {
	if len(data) > MaxSize {
		return nil, xerrors.ErrTooLarge
	}

	payload, magic := maybeCompress(data, compress, MagicAuthenticatedZstd, MagicAuthenticated)

	hdr, _ := headerSize(magic)
	raw := make([]byte, hdr, hdr+len(payload))
	copy(raw[0:8], magic[:])

	tag := key.ComputeAuthTag(payload)
	copy(raw[12:12+32], tag[:])
	raw = append(raw, payload...)

	b := &Blob{raw: raw}
	b.setCRC(b.computeCRC())
	return b, nil
}

func maybeCompress(data []byte, compress bool, compressedMagic, plainMagic Magic) ([]byte, Magic) {
	if !compress {
		return data, plainMagic
	}
	c := gozstd.Compress(nil, data)
	if len(c) < len(data) {
		return c, compressedMagic
	}
	return data, plainMagic
}

func encodePlain(data []byte, compress bool) (*Blob, error) {
	payload, magic := maybeCompress(data, compress, MagicZstd, MagicUncompressed)

	hdr, _ := headerSize(magic)
	raw := make([]byte, hdr, hdr+len(payload))
	copy(raw[0:8], magic[:])
	raw = append(raw, payload...)

	b := &Blob{raw: raw}
	b.setCRC(b.computeCRC())
	return b, nil
}

func encodeEncrypted(data []byte, key *crypt.Config, compress bool) (*Blob, error) {
	payload, magic := maybeCompress(data, compress, MagicEncryptedZstd, MagicEncrypted)

	hdr, _ := headerSize(magic)
	raw := make([]byte, hdr, hdr+len(payload)+32)
	copy(raw[0:8], magic[:])

	var ciphertext []byte
	iv, tag, err := key.EncryptTo(payload, &ciphertext)
	if err != nil {
		return nil, err
	}
	copy(raw[12:12+16], iv[:])
	copy(raw[28:28+16], tag[:])
	raw = append(raw, ciphertext...)

	b := &Blob{raw: raw}
	b.setCRC(b.computeCRC())
	return b, nil
}

// Decode verifies and unwraps a blob, returning the original plaintext.
func Decode(b *Blob, key *crypt.Config) ([]byte, error) {
	magic := b.Magic()
	hdr, ok := headerSize(magic)
	if !ok {
		return nil, xerrors.ErrUnknownMagic
	}
	if len(b.raw) < hdr {
		return nil, xerrors.ErrCorrupt
	}
	if err := b.VerifyCRC(); err != nil {
		return nil, err
	}

	payload := b.raw[hdr:]

	switch {
	case magic == MagicUncompressed:
		return append([]byte(nil), payload...), nil
	case magic == MagicZstd:
		return decompress(payload)

	case isAuthenticated(magic):
		if key == nil {
			return nil, xerrors.ErrMissingKey
		}
		var tag [32]byte
		copy(tag[:], b.raw[12:12+32])
		if !key.VerifyAuthTag(payload, tag) {
			return nil, xerrors.ErrAuthFailed
		}
		if isCompressed(magic) {
			return decompress(payload)
		}
		return append([]byte(nil), payload...), nil

	case isEncrypted(magic):
		if key == nil {
			return nil, xerrors.ErrMissingKey
		}
		var iv [16]byte
		var tag [16]byte
		copy(iv[:], b.raw[12:12+16])
		copy(tag[:], b.raw[28:28+16])
		plain, err := key.Decrypt(payload, iv, tag)
		if err != nil {
			return nil, err
		}
		if isCompressed(magic) {
			return decompress(plain)
		}
		return plain, nil
	}
	return nil, xerrors.ErrUnknownMagic
}

func decompress(data []byte) ([]byte, error) {
	out, err := gozstd.Decompress(nil, data)
	if err != nil {
		return nil, xerrors.ErrCorrupt
	}
	if len(out) > MaxSize {
		return nil, xerrors.ErrTooLarge
	}
	return out, nil
}
