//go:build linux

// Package rawmap implements the raw memory-mapping primitive an EMM is built
// on: base pointer, size, sync(range), advise_dontneed. It has no remap
// operation of its own; pages are installed into the virtual range through
// userfaultfd (package uffd) instead. It owns two
// independent mappings: the user-facing virtual range (anonymous, registered
// with userfaultfd by the router) and the underlying file's ciphertext bytes
// (a regular shared file mapping), and lets the fault path move bytes
// between them.
//
// Grounded directly on absfs-memmapfs's mmap_linux.go: unix.Mmap/Munmap/
// Msync/Madvise, with the same split-by-OS file layout (only linux is
// implemented; the facility this module needs, userfaultfd, is Linux-only).
package rawmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/emm/internal/errkit"
)

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Mapping owns the virtual range and the underlying file mapping.
type Mapping struct {
	size        int64 // V, the logical size callers see
	reserveSize int64 // V rounded up to a whole number of OS pages

	virtual []byte // anonymous, user-facing virtual range, reserveSize long
	cipher  []byte // shared mapping of the underlying file's ciphertext bytes
}

// New reserves a virtual range of size bytes (anonymous, read/write, with no
// page populated: once the range is registered with userfaultfd, the first
// access to each page is delivered as a MISSING fault and uffd's copy
// materializes it) and maps file's first size bytes read/write, shared, as
// the ciphertext-bearing backing store.
//
// The virtual reservation is rounded up to a whole number of OS pages:
// every userfaultfd ioctl (register, copy, write-protect) requires an
// OS-page-aligned length, but V itself need not be a multiple of the cache
// page size P, so a short final cache page can still end mid OS-page. The
// few bytes of slack this leaves at the end of the reservation are never
// exposed through Virtual and never hold meaningful content; they exist
// purely so the last cache page's uffd operations have a legal, fully
// backed OS page to target.
func New(file *os.File, size int64) (*Mapping, error) {
	if size <= 0 {
		return nil, errkit.Config("BAD_SIZE", "mapping size must be positive, got %d", size)
	}

	osPage := int64(os.Getpagesize())
	reserveSize := size
	if rem := size % osPage; rem != 0 {
		reserveSize = size + (osPage - rem)
	}

	virtual, err := unix.Mmap(-1, 0, int(reserveSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errkit.Map(false, "reserve virtual range (%d bytes): %v", reserveSize, err)
	}

	cipherBytes, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Munmap(virtual)
		return nil, errkit.Map(false, "map underlying file (%d bytes): %v", size, err)
	}

	return &Mapping{size: size, reserveSize: reserveSize, virtual: virtual, cipher: cipherBytes}, nil
}

// Base returns the base address of the user-facing virtual range.
func (m *Mapping) Base() uintptr { return uintptrOf(m.virtual) }

// Size returns V.
func (m *Mapping) Size() int64 { return m.size }

// ReserveSize returns V rounded up to the next OS page boundary: the actual
// length of the underlying anonymous reservation, and the length the fault
// router registers with userfaultfd.
func (m *Mapping) ReserveSize() int64 { return m.reserveSize }

// Virtual returns the raw virtual-range bytes, trimmed to V. Indexing into
// this slice outside a page the fault path has serviced is exactly the
// access the SignalRouter exists to intercept.
func (m *Mapping) Virtual() []byte { return m.virtual[:m.size] }

// Ciphertext returns the [offset, offset+length) slice of the underlying
// file's mapped bytes, for the fault path to decrypt from or the eviction
// path to encrypt into.
func (m *Mapping) Ciphertext(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > m.size {
		return nil, errkit.Config("BAD_RANGE", "ciphertext range [%d,%d) out of bounds for size %d", offset, offset+length, m.size)
	}
	return m.cipher[offset : offset+length], nil
}

// Sync flushes dirty bytes of the underlying file mapping in [offset,
// offset+length) to the file. This is the OS-level durability barrier that
// EMM's own Sync() calls after completing its write-backs; it is advisory
// only, with no transactional durability guarantee.
func (m *Mapping) Sync(offset, length int64) error {
	if length <= 0 {
		return nil
	}
	if offset < 0 || offset+length > m.size {
		return errkit.Config("BAD_RANGE", "sync range [%d,%d) out of bounds for size %d", offset, offset+length, m.size)
	}
	if err := unix.Msync(m.cipher[offset:offset+length], unix.MS_SYNC); err != nil {
		return errkit.Map(false, "msync [%d,%d): %v", offset, offset+length, err)
	}
	return nil
}

// AdviseDontNeed hints that the resident guest page(s) in [offset,
// offset+length) of the virtual range may be discarded. Under the uffd fault
// path this also has the effect of un-populating the page, so the next
// access redelivers a MISSING event rather than succeeding silently. The
// range may extend up to ReserveSize, not just Size, so the caller can cover
// a short final cache page's OS-page-rounded operation length.
func (m *Mapping) AdviseDontNeed(offset, length int64) error {
	if length <= 0 {
		return nil
	}
	if offset < 0 || offset+length > m.reserveSize {
		return errkit.Config("BAD_RANGE", "advise range [%d,%d) out of bounds for reserved size %d", offset, offset+length, m.reserveSize)
	}
	if err := unix.Madvise(m.virtual[offset:offset+length], unix.MADV_DONTNEED); err != nil {
		return errkit.Map(true, "madvise dontneed [%d,%d): %v", offset, offset+length, err)
	}
	return nil
}

// Close unmaps both the virtual range and the file mapping. Idempotent.
func (m *Mapping) Close() error {
	var firstErr error
	if m.virtual != nil {
		if err := unix.Munmap(m.virtual); err != nil {
			firstErr = errkit.Map(false, "munmap virtual range: %v", err)
		}
		m.virtual = nil
	}
	if m.cipher != nil {
		if err := unix.Munmap(m.cipher); err != nil && firstErr == nil {
			firstErr = errkit.Map(false, "munmap file mapping: %v", err)
		}
		m.cipher = nil
	}
	return firstErr
}
