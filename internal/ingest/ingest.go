// Package ingest wires the chunker, blob codec and chunk store together to
// turn a byte stream into a finalized index file - the write-side
// counterpart of spec.md §4.3's "Chunking algorithm" note, kept separate
// from internal/datastore so index/ and chunkstore/ don't need to import
// each other.
package ingest

import (
	"io"

	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/blob"
	"github.com/wofferl/proxmox-backup/internal/chunker"
	"github.com/wofferl/proxmox-backup/internal/chunkstore"
	"github.com/wofferl/proxmox-backup/internal/crypt"
	"github.com/wofferl/proxmox-backup/internal/digest"
	"github.com/wofferl/proxmox-backup/internal/index"
)

// Stats summarizes one ingest pass, reported by backup workers.
type Stats struct {
	Chunks          uint64
	ChunksReused    uint64
	BytesRead       uint64
	BytesCompressed uint64
}

// DynamicIndex content-defined-chunks r into the store and writes a .didx
// at finalPath.
func DynamicIndex(store *chunkstore.Store, r io.Reader, finalPath string, key *crypt.Config, compress bool) (*Stats, error) {
	w, tmp, err := index.CreateDynamic(finalPath)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}

	c := chunker.New()
	buf := make([]byte, 0, chunker.TargetSize*2)
	readBuf := make([]byte, 256*1024)
	var offset uint64

	flush := func(chunkData []byte) error {
		d := digest.Of(chunkData)
		b, err := blob.Encode(chunkData, key, compress)
		if err != nil {
			return err
		}
		already, _, err := store.InsertChunk(b.RawData(), d)
		if err != nil {
			return err
		}
		if already {
			stats.ChunksReused++
		}
		stats.Chunks++
		stats.BytesCompressed += uint64(b.Size())
		offset += uint64(len(chunkData))
		return w.AddChunk(offset, d)
	}

	for {
		n, rerr := r.Read(readBuf)
		if n > 0 {
			stats.BytesRead += uint64(n)
			data := readBuf[:n]
			for len(data) > 0 {
				boundary := c.Scan(data)
				if boundary == 0 {
					buf = append(buf, data...)
					break
				}
				buf = append(buf, data[:boundary]...)
				if err := flush(buf); err != nil {
					w.Abort()
					return nil, err
				}
				buf = buf[:0]
				data = data[boundary:]
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			w.Abort()
			return nil, errors.Wrap(rerr, "read input")
		}
	}
	if len(buf) > 0 {
		if err := flush(buf); err != nil {
			w.Abort()
			return nil, err
		}
	}

	if err := w.Finalize(finalPath); err != nil {
		return nil, err
	}
	_ = tmp
	return stats, nil
}

// FixedIndex splits r into chunkSize blocks (the last may be shorter) and
// writes a .fidx at finalPath.
func FixedIndex(store *chunkstore.Store, r io.Reader, finalPath string, totalSize, chunkSize uint64, key *crypt.Config, compress bool) (*Stats, error) {
	w, tmp, err := index.CreateFixed(finalPath, chunkSize, totalSize)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}

	buf := make([]byte, chunkSize)
	var remaining = totalSize
	for remaining > 0 {
		want := chunkSize
		if remaining < want {
			want = remaining
		}
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			w.Abort()
			return nil, errors.Wrap(err, "read fixed block")
		}
		chunkData := buf[:want]
		d := digest.Of(chunkData)
		b, err := blob.Encode(chunkData, key, compress)
		if err != nil {
			w.Abort()
			return nil, err
		}
		already, _, err := store.InsertChunk(b.RawData(), d)
		if err != nil {
			w.Abort()
			return nil, err
		}
		if already {
			stats.ChunksReused++
		}
		stats.Chunks++
		stats.BytesRead += want
		stats.BytesCompressed += uint64(b.Size())
		if err := w.AddDigest(d); err != nil {
			w.Abort()
			return nil, err
		}
		remaining -= want
	}

	if err := w.Finalize(finalPath); err != nil {
		return nil, err
	}
	_ = tmp
	return stats, nil
}
