package index

import "github.com/wofferl/proxmox-backup/internal/digest"

// ChunkInfo describes the chunk backing one byte range of the reconstructed
// file: bytes [Offset, Offset+Size) are served by the chunk named Digest.
type ChunkInfo struct {
	Digest digest.Digest
	Offset uint64
	Size   uint64
}

// IndexFile is the shape both fixed and dynamic readers implement, used by
// the GC mark phase, manifest verification and pull/sync so they don't
// need to special-case the two index shapes (spec.md §4.3/§4.5/§4.7).
type IndexFile interface {
	IndexCount() int
	ChunkInfo(i int) (ChunkInfo, error)
	Size() uint64
}
