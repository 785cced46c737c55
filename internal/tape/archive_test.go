package tape

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wofferl/proxmox-backup/internal/tape/mediaset"
)

func TestContentHeaderEncodeDecodeRoundtrip(t *testing.T) {
	hdr := mediaset.NewContentHeader(mediaset.MagicChunkArchive, 1234)
	buf := encodeHeader(hdr)
	require.Len(t, buf, headerSize)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, hdr.Magic, got.Magic)
	require.Equal(t, hdr.ContentUUID, got.ContentUUID)
	require.Equal(t, hdr.Size, got.Size)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := decodeHeader(make([]byte, headerSize-1))
	require.Error(t, err)
}

func TestArchiveDescriptorIncompleteFlagDefaultsFalse(t *testing.T) {
	desc := ArchiveDescriptor{StoreName: "store1", GroupPath: "vm/100", Snapshot: "2026-01-01T00:00:00Z"}
	require.False(t, desc.Incomplete)
	desc.Incomplete = true
	require.True(t, desc.Incomplete)
}
