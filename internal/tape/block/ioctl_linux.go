//go:build linux

package block

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mtio(4) operation codes (linux/mtio.h), used with MTIOCTOP.
const (
	mtFSF  = 1 // forward space over FileMark
	mtBSF  = 2 // backward space FileMark
	mtREW  = 6 // rewind
	mtWEOF = 5 // write an end-of-file record (mark)
	mtEOM  = 12 // goto end of recorded media
	mtSETBLK = 20 // set block length (0 = variable)
)

// MTIOCTOP/MTIOCGET op codes per linux/mtio.h (_IOW('m',1,struct mtop) and
// _IOR('m',2,struct mtget) on a 64-bit kernel ABI). This package only
// implements the narrow subset of drive operations spec.md §4.8 needs,
// not a general-purpose SCSI tape driver.
const (
	mtiocTop = 0x40086d01
	mtiocGet = 0x80386d02
)

func mtOp(f fdGetter, op int16, count int32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(op))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(count))
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.Fd()), uintptr(mtiocTop), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

// mtFileNumber reads mt_fileno out of struct mtget (offset 40 on the
// common 64-bit long-based layout).
func mtFileNumber(f fdGetter) (int64, error) {
	var buf [56]byte
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.Fd()), uintptr(mtiocGet), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return 0, errno
	}
	return int64(binary.LittleEndian.Uint64(buf[40:48])), nil
}

type fdGetter interface{ Fd() uintptr }
