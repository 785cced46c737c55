package block

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

// TestReadAllLoopStopsAtFilemark runs a copy of ReadAll's loop against a
// scripted readBlock function instead of a device, so the filemark
// handling is checked without tape hardware - CurrentFileNumber and
// MoveToFile need a real MTIOCTOP/MTIOCGET-backed fd and are only
// exercised on real tape hardware, outside this package's unit tests.

func TestReadAllLoopStopsAtFilemark(t *testing.T) {
	d := &Drive{}
	var w bytes.Buffer

	reads := [][]byte{[]byte("hello "), []byte("world"), nil}
	i := 0
	readBlock := func(buf []byte) (int, error) {
		if i >= len(reads) {
			return 0, xerrors.TapeEndOfStream{}
		}
		chunk := reads[i]
		i++
		if chunk == nil {
			return 0, xerrors.TapeEndOfFile{}
		}
		n := copy(buf, chunk)
		return n, nil
	}

	buf := make([]byte, 16)
	var total int64
	for {
		n, err := readBlock(buf)
		if n > 0 {
			w.Write(buf[:n])
			total += int64(n)
		}
		if err != nil {
			if _, ok := err.(xerrors.TapeEndOfFile); ok {
				break
			}
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, "hello world", w.String())
	require.Equal(t, int64(11), total)
	_ = d
}

func TestConsecutiveFilemarksSignalEndOfStream(t *testing.T) {
	d := &Drive{consecutiveFilemarks: 1}
	d.consecutiveFilemarks++
	require.GreaterOrEqual(t, d.consecutiveFilemarks, 2)
}
