// Package tape coordinates the block layer (internal/tape/block) and the
// on-disk media structures (internal/tape/mediaset) into the write/read
// archive flow of spec.md §4.8-4.9: label a fresh tape, then append a
// sequence of typed content archives, handling LEOM by ending the
// current archive early and reporting that to the caller - grounded on original_source/src/tape/file_formats/
// catalog_archive.rs's tape_write_catalog and
// original_source/src/tape/drive/mod.rs's TapeDriver trait.
package tape

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/applog"
	"github.com/wofferl/proxmox-backup/internal/crypt"
	"github.com/wofferl/proxmox-backup/internal/tape/block"
	"github.com/wofferl/proxmox-backup/internal/tape/mediaset"
	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

var log = applog.For("tape")

// ArchiveDescriptor is the JSON payload following every MediaContentHeader,
// carrying enough bookkeeping to resume or re-issue a partial archive on
// the next medium in the set.
type ArchiveDescriptor struct {
	StoreName string `json:"store,omitempty"`
	GroupPath string `json:"group,omitempty"`
	Snapshot  string `json:"snapshot,omitempty"`
	Incomplete bool  `json:"incomplete"`
}

// Writer sequences content archives onto one already-labeled medium,
// optionally encrypting payloads with the media set's effective key.
type Writer struct {
	drive *block.Drive
	key   *crypt.Config
}

// NewWriter wraps an already-positioned drive (past the label files, at
// the first free content slot). key is nil for an unencrypted media set.
func NewWriter(drive *block.Drive, key *crypt.Config) *Writer {
	return &Writer{drive: drive, key: key}
}

// WriteLabels writes File 0 (MediaLabel) and File 1 (MediaSetLabel),
// expecting the drive to be freshly rewound.
func WriteLabels(drive *block.Drive, label *mediaset.MediaLabel, setLabel *mediaset.MediaSetLabel) error {
	if err := drive.Rewind(); err != nil {
		return errors.Wrap(err, "rewind before writing labels")
	}
	if _, err := writeContent(drive, mediaset.MagicMediaLabel, mustEncode(label)); err != nil {
		return errors.Wrap(err, "write media label")
	}
	if _, err := writeContent(drive, mediaset.MagicMediaSetLabel, mustEncode(setLabel)); err != nil {
		return errors.Wrap(err, "write media set label")
	}
	return nil
}

// ReadLabels reads File 0 and File 1 from a freshly rewound drive.
func ReadLabels(drive *block.Drive) (*mediaset.MediaLabel, *mediaset.MediaSetLabel, error) {
	if err := drive.Rewind(); err != nil {
		return nil, nil, errors.Wrap(err, "rewind before reading labels")
	}
	hdr, data, err := readContent(drive)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read media label")
	}
	label, err := mediaset.DecodeLabel(hdr, data)
	if err != nil {
		return nil, nil, err
	}
	if err := drainFilemark(drive); err != nil {
		return nil, nil, err
	}

	hdr, data, err = readContent(drive)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read media set label")
	}
	setLabel, err := mediaset.DecodeSetLabel(hdr, data)
	if err != nil {
		return nil, nil, err
	}
	if err := drainFilemark(drive); err != nil {
		return nil, nil, err
	}
	return label, setLabel, nil
}

// WriteArchive writes one content archive (magic + descriptor + payload
// read from src) to the current tape position, updating cat with the new
// content UUID's file number on success. If LEOM is hit mid-archive, the
// rest of the payload is not written, a trailing filemark is still
// attempted, cat is not updated, and WriteArchive returns (uuid, true,
// nil). Nothing on the tape marks the cut-short archive as incomplete:
// the descriptor already written keeps Incomplete=false.
func (w *Writer) WriteArchive(magic mediaset.ContentMagic, desc ArchiveDescriptor, src io.Reader, cat *mediaset.Catalog) (uuid.UUID, bool, error) {
	descData, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return uuid.Nil, false, errors.Wrap(err, "marshal archive descriptor")
	}

	hdr := mediaset.NewContentHeader(magic, uint32(len(descData)))
	leom, err := writeBlock(w.drive, encodeHeader(hdr))
	if err != nil {
		return uuid.Nil, false, err
	}
	if !leom {
		leom, err = writeBlock(w.drive, descData)
		if err != nil {
			return uuid.Nil, false, err
		}
	}
	if !leom {
		leom, err = w.copyPayload(src)
		if err != nil {
			return uuid.Nil, false, err
		}
	}

	if leom {
		desc.Incomplete = true
		incompleteData, merr := json.MarshalIndent(desc, "", "  ")
		if merr != nil {
			return uuid.Nil, false, errors.Wrap(merr, "marshal incomplete descriptor")
		}
		hdr.Size = uint32(len(incompleteData))
		// best-effort: drive is at/near LEOM, there may be no room even for
		// the trailing filemark, but we must still try so a reader sees a
		// clean file boundary instead of a half-written archive.
		if err := w.drive.WriteFilemark(); err != nil {
			log.WithError(err).Warn("failed to write trailing filemark after LEOM")
		}
		return hdr.ContentUUID, true, nil
	}

	if err := w.drive.WriteFilemark(); err != nil {
		return uuid.Nil, false, errors.Wrap(err, "write trailing filemark")
	}
	fileNr, err := w.drive.CurrentFileNumber()
	if err == nil && cat != nil {
		// CurrentFileNumber() now points past the filemark we just wrote;
		// the archive itself started one file earlier.
		if fileNr > 0 {
			cat.Insert(hdr.ContentUUID, fileNr-1)
		}
	}
	return hdr.ContentUUID, false, nil
}

func (w *Writer) copyPayload(src io.Reader) (leom bool, err error) {
	buf := make([]byte, 256*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if w.key != nil {
				var sealed []byte
				iv, tag, eerr := w.key.EncryptTo(chunk, &sealed)
				if eerr != nil {
					return false, errors.Wrap(eerr, "encrypt tape payload")
				}
				framed := make([]byte, 0, len(iv)+len(tag)+len(sealed))
				framed = append(framed, iv[:]...)
				framed = append(framed, tag[:]...)
				framed = append(framed, sealed...)
				chunk = framed
			}
			l, werr := writeBlock(w.drive, chunk)
			if werr != nil {
				return false, werr
			}
			if l {
				return true, nil
			}
		}
		if rerr == io.EOF {
			return false, nil
		}
		if rerr != nil {
			return false, errors.Wrap(rerr, "read archive payload")
		}
	}
}

// ReadArchive reads one content archive's header, descriptor, and payload
// (written into dst), decrypting with key if the writer used one.
func ReadArchive(drive *block.Drive, key *crypt.Config, dst io.Writer) (mediaset.MediaContentHeader, ArchiveDescriptor, error) {
	hdr, descData, err := readContent(drive)
	if err != nil {
		return hdr, ArchiveDescriptor{}, err
	}
	var desc ArchiveDescriptor
	if err := json.Unmarshal(descData, &desc); err != nil {
		return hdr, desc, errors.Wrap(err, "unmarshal archive descriptor")
	}

	buf := make([]byte, 256*1024)
	for {
		n, rerr := drive.ReadBlock(buf)
		if n > 0 {
			chunk := buf[:n]
			if key != nil {
				if len(chunk) < 32 {
					return hdr, desc, errors.New("encrypted tape record too short")
				}
				var iv [16]byte
				var tag [16]byte
				copy(iv[:], chunk[:16])
				copy(tag[:], chunk[16:32])
				plain, derr := key.Decrypt(chunk[32:], iv, tag)
				if derr != nil {
					return hdr, desc, errors.Wrap(derr, "decrypt tape record")
				}
				chunk = plain
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return hdr, desc, errors.Wrap(werr, "write decoded payload")
			}
		}
		if rerr != nil {
			if _, ok := rerr.(xerrors.TapeEndOfFile); ok {
				return hdr, desc, nil
			}
			return hdr, desc, rerr
		}
	}
}

func writeBlock(drive *block.Drive, data []byte) (leom bool, err error) {
	return drive.WriteBlock(data)
}

func writeContent(drive *block.Drive, magic mediaset.ContentMagic, payload []byte) (uuid.UUID, error) {
	hdr := mediaset.NewContentHeader(magic, uint32(len(payload)))
	if _, err := writeBlock(drive, encodeHeader(hdr)); err != nil {
		return uuid.Nil, err
	}
	if _, err := writeBlock(drive, payload); err != nil {
		return uuid.Nil, err
	}
	if err := drive.WriteFilemark(); err != nil {
		return uuid.Nil, errors.Wrap(err, "write trailing filemark")
	}
	return hdr.ContentUUID, nil
}

func readContent(drive *block.Drive) (mediaset.MediaContentHeader, []byte, error) {
	hdrBuf := make([]byte, headerSize)
	n, err := drive.ReadBlock(hdrBuf)
	if err != nil {
		return mediaset.MediaContentHeader{}, nil, err
	}
	if n != headerSize {
		return mediaset.MediaContentHeader{}, nil, errors.New("short content header block")
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return hdr, nil, err
	}

	data := make([]byte, hdr.Size)
	remaining := data
	for len(remaining) > 0 {
		buf := make([]byte, len(remaining))
		n, err := drive.ReadBlock(buf)
		if err != nil {
			return hdr, nil, err
		}
		copy(remaining, buf[:n])
		remaining = remaining[n:]
	}
	return hdr, data, nil
}

func drainFilemark(drive *block.Drive) error {
	_, err := drive.ReadBlock(make([]byte, 1))
	if _, ok := err.(xerrors.TapeEndOfFile); ok {
		return nil
	}
	if err == nil {
		return errors.New("expected filemark after content file")
	}
	return err
}

const headerSize = 8 + 16 + 4 // magic + uuid + size, little-endian

func encodeHeader(hdr mediaset.MediaContentHeader) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], hdr.Magic[:])
	idBytes, _ := hdr.ContentUUID.MarshalBinary()
	copy(buf[8:24], idBytes)
	binary.LittleEndian.PutUint32(buf[24:28], hdr.Size)
	return buf
}

func decodeHeader(buf []byte) (mediaset.MediaContentHeader, error) {
	if len(buf) != headerSize {
		return mediaset.MediaContentHeader{}, errors.New("invalid content header length")
	}
	var hdr mediaset.MediaContentHeader
	copy(hdr.Magic[:], buf[0:8])
	if err := hdr.ContentUUID.UnmarshalBinary(buf[8:24]); err != nil {
		return hdr, errors.Wrap(err, "decode content uuid")
	}
	hdr.Size = binary.LittleEndian.Uint32(buf[24:28])
	return hdr, nil
}

func mustEncode(v interface{}) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}
