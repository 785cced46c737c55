//go:build !linux

package chunkstore

import (
	"io/fs"
	"time"
)

// atimeOf falls back to mtime on platforms without a portable atime field;
// production deployments of this store are Linux-only (spec.md assumes
// relatime semantics that only exist there).
func atimeOf(info fs.FileInfo) time.Time {
	return info.ModTime()
}
