//go:build linux

package chunkstore

import (
	"io/fs"
	"syscall"
	"time"
)

// atimeOf extracts the last-access time from a Linux Stat_t, which is what
// GC's liveness tracking actually keys off (spec.md §4.2 design notes).
func atimeOf(info fs.FileInfo) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(st.Atim.Sec, st.Atim.Nsec)
}
