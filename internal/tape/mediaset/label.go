// Package mediaset implements the tape on-disk structures of spec.md
// §4.9: the media label, media-set label, content headers, and the
// media catalog that maps each archive's content UUID to the file number
// it lives in, grounded on original_source/src/tape/file_formats/
// (catalog_archive.rs) and spec.md §4.9.
package mediaset

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/crypt"
)

// MediaLabel is the first file written on a freshly formatted tape
// (spec.md §4.9: "(label_text, uuid, ctime)").
type MediaLabel struct {
	LabelText string    `json:"label-text"`
	UUID      uuid.UUID `json:"uuid"`
	CTime     time.Time `json:"ctime"`
}

// MediaSetLabel is the second file, identifying which media set (and
// which tape within it) this medium belongs to (spec.md §4.9:
// "(pool_name, uuid, seq_nr, ctime, optional encryption_key_fingerprint)").
type MediaSetLabel struct {
	PoolName              string              `json:"pool"`
	UUID                  uuid.UUID           `json:"uuid"`
	SeqNr                 uint64              `json:"seq-nr"`
	CTime                 time.Time           `json:"ctime"`
	EncryptionFingerprint *crypt.Fingerprint  `json:"fingerprint,omitempty"`
	KeyConfig             *crypt.KeyConfig    `json:"key-config,omitempty"`
}

// ContentMagic identifies the kind of archive a MediaContentHeader
// introduces.
type ContentMagic [8]byte

var (
	MagicMediaLabel     = ContentMagic{'P', 'B', 'S', 'M', 'L', 'B', 'L', '0'}
	MagicMediaSetLabel  = ContentMagic{'P', 'B', 'S', 'M', 'S', 'L', 'B', '0'}
	MagicSnapshotArchive = ContentMagic{'P', 'B', 'S', 'S', 'N', 'A', 'P', '0'}
	MagicChunkArchive   = ContentMagic{'P', 'B', 'S', 'C', 'H', 'N', 'K', '0'}
	MagicCatalogArchive = ContentMagic{'P', 'B', 'S', 'C', 'A', 'T', 'L', '0'}
)

// MediaContentHeader precedes every archive file after the two label
// files: magic identifies the archive kind, ContentUUID names this
// specific archive instance (the catalog's key), and Size is the JSON
// descriptor's byte length that immediately follows the header.
type MediaContentHeader struct {
	Magic       ContentMagic
	ContentUUID uuid.UUID
	Size        uint32
}

// NewContentHeader builds a header for one archive, minting a fresh
// content UUID.
func NewContentHeader(magic ContentMagic, size uint32) MediaContentHeader {
	return MediaContentHeader{Magic: magic, ContentUUID: uuid.New(), Size: size}
}

// EncodeLabel serializes label as the pretty JSON payload MediaLabel's
// archive file carries, alongside the header that frames it.
func EncodeLabel(label *MediaLabel) (MediaContentHeader, []byte, error) {
	data, err := json.MarshalIndent(label, "", "  ")
	if err != nil {
		return MediaContentHeader{}, nil, errors.Wrap(err, "marshal media label")
	}
	return NewContentHeader(MagicMediaLabel, uint32(len(data))), data, nil
}

// DecodeLabel parses a MediaLabel archive payload.
func DecodeLabel(hdr MediaContentHeader, data []byte) (*MediaLabel, error) {
	if hdr.Magic != MagicMediaLabel {
		return nil, errors.New("not a media label archive")
	}
	var l MediaLabel
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrap(err, "unmarshal media label")
	}
	return &l, nil
}

// EncodeSetLabel serializes label, optionally inlining a password-protected
// KeyConfig so the tape alone (plus the password) can restore the
// encryption key (spec.md §4.9 item 2).
func EncodeSetLabel(label *MediaSetLabel) (MediaContentHeader, []byte, error) {
	data, err := json.MarshalIndent(label, "", "  ")
	if err != nil {
		return MediaContentHeader{}, nil, errors.Wrap(err, "marshal media set label")
	}
	return NewContentHeader(MagicMediaSetLabel, uint32(len(data))), data, nil
}

// DecodeSetLabel parses a MediaSetLabel archive payload.
func DecodeSetLabel(hdr MediaContentHeader, data []byte) (*MediaSetLabel, error) {
	if hdr.Magic != MagicMediaSetLabel {
		return nil, errors.New("not a media set label archive")
	}
	var l MediaSetLabel
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrap(err, "unmarshal media set label")
	}
	return &l, nil
}

// EffectiveKey derives the per-tape hardware encryption key for a media
// set whose user-chosen key is setKey (spec.md §4.9: "XORed with the
// media-set UUID before being pushed to hardware").
func (l *MediaSetLabel) EffectiveKey(setKey [32]byte) [32]byte {
	var id [16]byte
	copy(id[:], l.UUID[:])
	return crypt.MediaSetKey(setKey, id)
}
