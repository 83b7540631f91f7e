//go:build linux

package emm

import (
	"context"

	"github.com/orizon-lang/emm/internal/protmap"
)

// writeBackFrame re-encrypts frame's current bytes (read directly from the
// virtual range, since a dirty vpage's authoritative bytes live there, not
// in any scratch buffer) back into the underlying mapping's ciphertext
// region for vpage. It does not touch protection state or the OS-resident
// page; the caller (always an eviction in progress) does that next.
func (e *EMM) writeBackFrame(frame, vpage int) error {
	start, length := e.pageBounds(vpage)
	buf := e.pool.Buffer(frame)[:length]
	copy(buf, e.mapping.Virtual()[start:start+int64(length)])
	if err := e.cryptPage(vpage, buf, start); err != nil {
		return err
	}
	ciphertext, err := e.mapping.Ciphertext(start, int64(length))
	if err != nil {
		return err
	}
	copy(ciphertext, buf)
	return nil
}

// writeBackResident re-encrypts a currently RESIDENT_DIRTY vpage's bytes
// back to the underlying mapping, flushes that mapping to the file, and
// downgrades the vpage to RESIDENT_CLEAN. Used by Sync and DontNeed, which
// run outside the fault path and may allocate freely.
func (e *EMM) writeBackResident(i int) error {
	start, length := e.pageBounds(i)
	buf := make([]byte, length)
	copy(buf, e.mapping.Virtual()[start:start+int64(length)])
	if err := e.cryptPage(i, buf, start); err != nil {
		return err
	}
	ciphertext, err := e.mapping.Ciphertext(start, int64(length))
	if err != nil {
		return err
	}
	copy(ciphertext, buf)
	if err := e.mapping.Sync(start, int64(length)); err != nil {
		return err
	}

	addr := e.vpageAddr(i)
	err = e.prot.Set(i, protmap.Read, func() error {
		return e.router.Fd().WriteProtect(addr, uintptr(e.opLength(length)), true)
	})
	if err != nil {
		return err
	}
	e.pool.MarkClean(i)
	return nil
}

// evictClean releases vpage i's pool binding and drops its OS-resident page,
// for a vpage already known to be clean (its ciphertext already reflects its
// current bytes, or it was just written back by writeBackResident).
func (e *EMM) evictClean(i int) error {
	e.pool.Evict(i)
	start, length := e.pageBounds(i)
	if err := e.mapping.AdviseDontNeed(start, int64(e.opLength(length))); err != nil {
		return err
	}
	return e.prot.Set(i, protmap.None, func() error { return nil })
}

// tryReadAhead best-effort pre-faults up to ReadAhead-1 vpages following a
// read fault on vpage i. It aborts as soon as the pool's free count drops to
// one, so it can never itself trigger an eviction and so it never threatens
// the residency bound a concurrent fault might also be relying on.
func (e *EMM) tryReadAhead(i int) {
	n := e.cfg.NumVirtualPages()
	limit := i + e.cfg.ReadAhead
	if limit > n {
		limit = n
	}
	for j := i + 1; j < limit; j++ {
		if e.pool.FreeCount() <= 1 {
			e.pool.RecordReadAhead(false)
			return
		}
		if e.prot.Get(j) != protmap.None {
			continue
		}
		if err := e.readAheadPage(j); err != nil {
			e.log.Warn(context.Background(), "read-ahead fault failed", "vpage", j, "error", err)
			continue
		}
		e.pool.RecordReadAhead(true)
	}
}

// readAheadPage services vpage j exactly as a read fault would, except it
// never itself recurses into read-ahead and relies on the caller having
// already confirmed a free frame is available.
func (e *EMM) readAheadPage(j int) error {
	frame, evicted, evVpage, evDirty, err := e.pool.Acquire(j)
	if err != nil {
		return err
	}
	defer e.pool.Unpin(j)

	if evicted {
		if err := e.reclaim(frame, evVpage, evDirty); err != nil {
			return err
		}
	}

	start, length := e.pageBounds(j)
	ciphertext, err := e.mapping.Ciphertext(start, int64(length))
	if err != nil {
		return err
	}
	opLen := e.opLength(length)
	buf := e.pool.Buffer(frame)[:opLen]
	copy(buf, ciphertext)
	for k := length; k < opLen; k++ {
		buf[k] = 0
	}
	if err := e.cryptPage(j, buf[:length], start); err != nil {
		return err
	}

	addr := e.vpageAddr(j)
	if err := e.router.Fd().Copy(addr, buf, true); err != nil {
		return err
	}
	return e.prot.Set(j, protmap.Read, func() error { return nil })
}
