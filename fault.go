//go:build linux

package emm

import (
	"github.com/orizon-lang/emm/internal/config"
	"github.com/orizon-lang/emm/internal/errkit"
	"github.com/orizon-lang/emm/internal/protmap"
)

// HandleFault implements router.Handler. It is invoked by the shared fault
// router's poll loop, never directly by a caller, once per trapped access
// against this EMM's virtual range. A returned fatal *errkit.Error (pool
// exhaustion, a cipher failure, a protection-call failure, or a store under
// READ_ONLY) is treated by the router as a process-terminating condition,
// since the fault path has no way to surface failure back to the faulting
// instruction.
func (e *EMM) HandleFault(addr uintptr, write, writeProtect bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return nil
	}

	base := e.mapping.Base()
	if addr < base || addr >= base+uintptr(e.mapping.ReserveSize()) {
		return errkit.Foreign(addr)
	}
	i := int((addr - base) / uintptr(e.cfg.CachePageSize))

	if writeProtect {
		return e.handleWriteProtectFault(i)
	}

	if e.prot.Get(i) != protmap.None {
		// Another thread already serviced this vpage; the retried access
		// will succeed without our help.
		e.pool.Touch(i)
		return nil
	}

	return e.handleMissingFault(i, write)
}

// handleWriteProtectFault resolves a store against an already-resident,
// write-protected vpage: either the EMM is in READ_WRITE mode and the page
// upgrades to RESIDENT_DIRTY, or it is in READ_ONLY mode and the store is a
// ReadOnlyViolation — a fatal condition, since there is no instruction-level
// way to fail the store back to the caller.
func (e *EMM) handleWriteProtectFault(i int) error {
	if e.prot.Get(i) == protmap.None {
		// vpage i was evicted (by a concurrent MISSING fault on some other
		// vpage, under the same lock this handler also holds) between the WP
		// event being queued and this call running. It has no resident page
		// left for UFFDIO_WRITEPROTECT to act on; the store that raised this
		// event will simply re-fault as MISSING and be serviced from there.
		return nil
	}

	if e.accessMode() == config.ReadOnly {
		return errkit.ReadOnlyViolation(i)
	}

	_, length := e.pageBounds(i)
	addr := e.vpageAddr(i)
	opLen := e.opLength(length)

	err := e.prot.Set(i, protmap.ReadWrite, func() error {
		return e.router.Fd().WriteProtect(addr, uintptr(opLen), false)
	})
	if err != nil {
		return err
	}
	e.pool.MarkDirty(i)
	return nil
}

// handleMissingFault resolves a fault against a vpage with no current
// binding: acquire a frame (evicting and writing back if necessary), decrypt
// the underlying ciphertext into it, and copy it into the vpage via the
// shared uffd descriptor — atomically resolving the fault and, unless the
// fault is a store under READ_WRITE, leaving the page write-protected so a
// following store faults again rather than succeeding silently.
func (e *EMM) handleMissingFault(i int, write bool) error {
	e.pool.RecordFault()

	frame, evicted, evVpage, evDirty, err := e.pool.Acquire(i)
	if err != nil {
		return err
	}
	defer e.pool.Unpin(i)

	if evicted {
		if err := e.reclaim(frame, evVpage, evDirty); err != nil {
			return err
		}
	}

	start, length := e.pageBounds(i)
	ciphertext, err := e.mapping.Ciphertext(start, int64(length))
	if err != nil {
		return err
	}

	opLen := e.opLength(length)
	buf := e.pool.Buffer(frame)[:opLen]
	copy(buf, ciphertext)
	for j := length; j < opLen; j++ {
		buf[j] = 0
	}
	if err := e.cryptPage(i, buf[:length], start); err != nil {
		return err
	}

	wantWrite := write && e.accessMode() == config.ReadWrite
	addr := e.vpageAddr(i)
	if err := e.router.Fd().Copy(addr, buf, !wantWrite); err != nil {
		return err
	}

	newProt := protmap.Read
	if wantWrite {
		newProt = protmap.ReadWrite
	}
	if err := e.prot.Set(i, newProt, func() error { return nil }); err != nil {
		return err
	}
	if wantWrite {
		e.pool.MarkDirty(i)
	}

	if !wantWrite && e.cfg.ReadAhead > 0 {
		e.tryReadAhead(i)
	}

	return nil
}

// reclaim writes back frame's previous occupant if it was dirty, then
// advises the kernel to drop its resident page so the next access against it
// re-faults as MISSING, and marks it UNMAPPED in the protection table.
func (e *EMM) reclaim(frame, vpage int, dirty bool) error {
	if dirty {
		if err := e.writeBackFrame(frame, vpage); err != nil {
			return err
		}
	}
	start, length := e.pageBounds(vpage)
	if err := e.mapping.AdviseDontNeed(start, int64(e.opLength(length))); err != nil {
		return err
	}
	return e.prot.Set(vpage, protmap.None, func() error { return nil })
}
