//go:build linux

// Package uffd wraps Linux's userfaultfd(2) facility: a fault-notification
// mechanism preferable to a synchronous signal handler here because it
// delivers page-fault notifications over an ordinary file descriptor that an
// ordinary goroutine can poll and read, lifting the async-signal-safety
// constraint from the rest of the fault path.
//
// Grounded directly on e2b-dev-infra's
// packages/orchestrator/internal/sandbox/uffd/userfaultfd package: the same
// register/copy/writeProtect/close shape, the same UFFD_EVENT_PAGEFAULT
// message decoding, the same WP-then-WRITE flag handling described in its
// handler flowchart comment.
package uffd

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/emm/internal/errkit"
)

// Linux UAPI constants from <linux/userfaultfd.h>. Computed the same way the
// x/sys/unix zioctl tables are generated, rather than hard-coded magic
// numbers, so the derivation is auditable.
const (
	sysUserfaultfd = 323 // SYS_userfaultfd, x86-64

	uffdioMagic = 0xAA

	UFFD_API uint64 = 0xAA

	// Registration modes.
	UFFDIO_REGISTER_MODE_MISSING uint64 = 1 << 0
	UFFDIO_REGISTER_MODE_WP      uint64 = 1 << 1

	// uffdio_copy.mode bit.
	UFFDIO_COPY_MODE_WP uint64 = 1 << 1

	// uffdio_writeprotect.mode bit.
	UFFDIO_WRITEPROTECT_MODE_WP uint64 = 1 << 0

	// Event types in uffd_msg.event.
	UFFD_EVENT_PAGEFAULT uint8 = 0x12

	// Pagefault flags in uffd_msg.arg.pagefault.flags.
	UFFD_PAGEFAULT_FLAG_WRITE uint64 = 1 << 0
	UFFD_PAGEFAULT_FLAG_WP    uint64 = 1 << 1
)

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func iowr(nr uintptr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, uffdioMagic, nr, size)
}

func ior(nr uintptr, size uintptr) uintptr {
	return ioc(iocRead, uffdioMagic, nr, size)
}

// uffdio_* request codes.
var (
	ioctlAPI          = iowr(0x3F, unsafe.Sizeof(apiReq{}))
	ioctlRegister     = iowr(0x00, unsafe.Sizeof(registerReq{}))
	ioctlUnregister   = ior(0x01, unsafe.Sizeof(rangeReq{}))
	ioctlCopy         = iowr(0x03, unsafe.Sizeof(copyReq{}))
	ioctlWriteProtect = iowr(0x06, unsafe.Sizeof(writeProtectReq{}))
)

type apiReq struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type rangeReq struct {
	start uint64
	len   uint64
}

type registerReq struct {
	rng    rangeReq
	mode   uint64
	ioctls uint64
}

type copyReq struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type writeProtectReq struct {
	rng  rangeReq
	mode uint64
}

// msg mirrors struct uffd_msg: an 8-byte header followed by a 24-byte union
// arg, 32 bytes total.
type msg struct {
	event      uint8
	_reserved1 uint8
	_reserved2 uint16
	_reserved3 uint32
	arg        [24]byte
}

type pagefault struct {
	flags   uint64
	address uint64
	ptid    uint32
}

// FD is an open userfaultfd descriptor.
type FD struct {
	fd int
}

// Open creates a new userfaultfd and negotiates the API. flags is typically
// unix.O_CLOEXEC | unix.O_NONBLOCK so the router can multiplex it with
// unix.Poll alongside an exit-notification descriptor.
func Open(flags int) (*FD, error) {
	r1, _, errno := unix.Syscall(sysUserfaultfd, uintptr(flags), 0, 0)
	if errno != 0 {
		return nil, errkit.Map(false, "userfaultfd(2): %v", errno)
	}
	fd := int(r1)

	req := apiReq{api: UFFD_API}
	if err := ioctl(fd, ioctlAPI, unsafe.Pointer(&req)); err != nil {
		unix.Close(fd)
		return nil, errkit.Map(false, "UFFDIO_API: %v", err)
	}

	return &FD{fd: fd}, nil
}

// Fd returns the raw descriptor, for unix.Poll.
func (u *FD) Fd() int { return u.fd }

// Close closes the descriptor. Subsequent access to any range it was
// registered over is no longer intercepted.
func (u *FD) Close() error {
	if err := unix.Close(u.fd); err != nil {
		return errkit.Map(false, "close uffd: %v", err)
	}
	return nil
}

// Register arms [addr, addr+size) for missing-page and write-protect
// notifications.
func (u *FD) Register(addr, size uintptr) error {
	req := registerReq{
		rng:  rangeReq{start: uint64(addr), len: uint64(size)},
		mode: UFFDIO_REGISTER_MODE_MISSING | UFFDIO_REGISTER_MODE_WP,
	}
	if err := ioctl(u.fd, ioctlRegister, unsafe.Pointer(&req)); err != nil {
		return errkit.Map(false, "UFFDIO_REGISTER [%#x,%#x): %v", addr, addr+size, err)
	}
	return nil
}

// Unregister disarms [addr, addr+size).
func (u *FD) Unregister(addr, size uintptr) error {
	req := rangeReq{start: uint64(addr), len: uint64(size)}
	if err := ioctl(u.fd, ioctlUnregister, unsafe.Pointer(&req)); err != nil {
		return errkit.Map(false, "UFFDIO_UNREGISTER [%#x,%#x): %v", addr, addr+size, err)
	}
	return nil
}

// Copy materializes len(data) bytes of data at dst, atomically resolving a
// missing-page fault. If wp is true the newly populated page is also left
// write-protected, so a following store delivers a WP event rather than
// succeeding.
func (u *FD) Copy(dst uintptr, data []byte, wp bool) error {
	if len(data) == 0 {
		return nil
	}
	var mode uint64
	if wp {
		mode = UFFDIO_COPY_MODE_WP
	}
	req := copyReq{
		dst:  uint64(dst),
		src:  uint64(uintptr(unsafe.Pointer(&data[0]))),
		len:  uint64(len(data)),
		mode: mode,
	}
	if err := ioctl(u.fd, ioctlCopy, unsafe.Pointer(&req)); err != nil {
		if err == unix.EEXIST {
			// Another thread already populated this page; not an error.
			return nil
		}
		return errkit.Map(true, "UFFDIO_COPY dst=%#x len=%d: %v", dst, len(data), err)
	}
	return nil
}

// WriteProtect sets or clears the write-protect bit over [addr, addr+size)
// of an already-resident range.
func (u *FD) WriteProtect(addr, size uintptr, wp bool) error {
	var mode uint64
	if wp {
		mode = UFFDIO_WRITEPROTECT_MODE_WP
	}
	req := writeProtectReq{
		rng:  rangeReq{start: uint64(addr), len: uint64(size)},
		mode: mode,
	}
	if err := ioctl(u.fd, ioctlWriteProtect, unsafe.Pointer(&req)); err != nil {
		return errkit.Map(true, "UFFDIO_WRITEPROTECT [%#x,%#x) wp=%v: %v", addr, addr+size, wp, err)
	}
	return nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Fault is a decoded UFFD_EVENT_PAGEFAULT message.
type Fault struct {
	Address uintptr
	// Write indicates the fault arose from a store (a missing-page write, or
	// a write-protect violation).
	Write bool
	// WriteProtect indicates this is a WP notification against an
	// already-resident page, as opposed to a MISSING notification against an
	// unpopulated one.
	WriteProtect bool
}

// ReadMessage reads and decodes one message from the uffd descriptor. It
// returns (Fault{}, false, nil) for any event type other than
// UFFD_EVENT_PAGEFAULT (there are no others this module registers for, but a
// forward-compatible kernel could in principle send one).
func (u *FD) ReadMessage() (Fault, bool, error) {
	var buf [unsafe.Sizeof(msg{})]byte
	n, err := unix.Read(u.fd, buf[:])
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return Fault{}, false, err
		}
		return Fault{}, false, errkit.Map(false, "read uffd message: %v", err)
	}
	if n != len(buf) {
		return Fault{}, false, errkit.Map(false, "short uffd message read: %d/%d bytes", n, len(buf))
	}

	m := (*msg)(unsafe.Pointer(&buf[0]))
	if m.event != UFFD_EVENT_PAGEFAULT {
		return Fault{}, false, nil
	}

	pf := (*pagefault)(unsafe.Pointer(&m.arg[0]))
	f := Fault{
		Address:      uintptr(pf.address),
		Write:        pf.flags&UFFD_PAGEFAULT_FLAG_WRITE != 0,
		WriteProtect: pf.flags&UFFD_PAGEFAULT_FLAG_WP != 0,
	}
	return f, true, nil
}
