// Package protmap implements ProtectionMap: the per-virtual-page protection
// state that mirrors the enforcement mechanism's actual state, so the fault
// handler can classify a fault without re-querying the kernel and so public
// operations (Sync, DontNeed) can walk residency without a syscall per page.
//
// Under this module's userfaultfd-based fault path (see internal/uffd), the
// three logical states map onto uffd operations rather than raw mprotect
// bits: NONE is a page never copied in (the next access delivers a MISSING
// event), READ is a page copied in with the write-protect mode bit set (the
// next store delivers a WP event), and READ_WRITE is a page with that bit
// cleared. Setting a state always issues the underlying protection call
// first and only updates the in-memory entry if it succeeds, by taking the
// enforcement action as a caller-supplied closure.
package protmap

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/emm/internal/errkit"
)

// Prot is the protection state of a vpage: a three-state lattice of
// NONE/READ/READ+WRITE.
type Prot int32

const (
	None Prot = iota
	Read
	ReadWrite
)

func (p Prot) String() string {
	switch p {
	case Read:
		return "READ"
	case ReadWrite:
		return "READ_WRITE"
	default:
		return "NONE"
	}
}

// Map owns a dense array of N protection states. The array is backed by a
// separate anonymous mapping, not the Go heap, so that Set — called from the
// fault path — never asks the Go allocator (which could itself fault) for
// memory.
type Map struct {
	n       int
	backing []byte  // the separate mapping the table lives in
	table   []int32 // n entries, aliases backing's memory
}

// New allocates a protection map for n vpages.
func New(n int) (*Map, error) {
	if n <= 0 {
		return nil, errkit.Config("BAD_N", "protection map needs n>0, got %d", n)
	}

	size := n * 4 // one int32 per entry
	backing, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errkit.Map(false, "mmap protection table (%d bytes): %v", size, err)
	}

	table := unsafe.Slice((*int32)(unsafe.Pointer(&backing[0])), n)

	return &Map{n: n, backing: backing, table: table}, nil
}

// Close releases the backing mapping. Not safe to call while any goroutine
// may still call Get/Set.
func (m *Map) Close() error {
	if m.backing == nil {
		return nil
	}
	err := unix.Munmap(m.backing)
	m.backing = nil
	m.table = nil
	if err != nil {
		return errkit.Map(false, "munmap protection table: %v", err)
	}
	return nil
}

// Get returns the current protection state of vpage i. Safe for concurrent
// use with Set: it observes either the old or the new value, never a torn
// one, since each entry is a single int32 word.
func (m *Map) Get(i int) Prot {
	return Prot(atomic.LoadInt32(&m.table[i]))
}

// Set transitions vpage i to prot. apply performs the real enforcement (a
// uffd copy or write-protect ioctl); the in-memory entry is only updated if
// apply succeeds, so a concurrent Get never observes a protection the
// enforcement mechanism hasn't actually applied yet.
func (m *Map) Set(i int, prot Prot, apply func() error) error {
	if err := apply(); err != nil {
		return err
	}
	atomic.StoreInt32(&m.table[i], int32(prot))
	return nil
}

// BulkSet transitions count consecutive vpages starting at i to prot, via a
// single enforcement call covering the whole run.
func (m *Map) BulkSet(i, count int, prot Prot, apply func() error) error {
	if count <= 0 {
		return nil
	}
	if err := apply(); err != nil {
		return err
	}
	for j := i; j < i+count; j++ {
		atomic.StoreInt32(&m.table[j], int32(prot))
	}
	return nil
}

// N returns the number of tracked vpages.
func (m *Map) N() int { return m.n }
