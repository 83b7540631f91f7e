// Package ppage implements PhysicalPagePool: the bounded set of K resident
// page frames an EMM draws from to service faults, reclaimed under an
// approximate-LRU (CLOCK) policy when the pool is exhausted.
//
// All pool state is guarded by a single mutex. Following absfs-memmapfs,
// page bookkeeping lives entirely in Go-managed memory, separate from the
// raw mapping bytes themselves.
package ppage

import (
	"sync"

	"github.com/orizon-lang/emm/internal/errkit"
)

// State is a physical frame's role in the pool.
type State int32

const (
	free State = iota
	clean
	dirty
)

// Frame is one physical page frame: a fixed slot in the cache, reused across
// many virtual pages over the pool's lifetime.
type Frame struct {
	state State
	ref   bool // CLOCK reference bit, set on access, cleared on sweep
	pin   int  // pin count; a pinned frame is never evicted

	// vpage is the virtual page index currently resident in this frame, or
	// -1 if the frame is free.
	vpage int
}

// Pool manages K physical frames with CLOCK-approximated LRU eviction. Each
// frame owns a fixed pageSize scratch buffer, pre-allocated at constructor
// time so the fault path — which must not allocate — always has somewhere
// to decrypt into before handing the result to the uffd copy-in, and
// somewhere to read current vpage bytes into before re-encrypting them on
// eviction. The pool does not own the resident virtual range itself; once a
// buffer's bytes are copied into the vpage by the caller, loads and stores
// against the vpage operate directly on that virtual range.
type Pool struct {
	mu     sync.Mutex
	frames []Frame
	bufs   [][]byte
	hand   int // CLOCK sweep position

	byVPage map[int]int // vpage -> frame index, for O(1) lookup

	stats Stats
}

// Stats accumulates the read-ahead and eviction counters the pool's
// observability surface exposes.
type Stats struct {
	Faults          int64
	ReadAheadHits   int64
	ReadAheadMisses int64
	Evictions       int64
}

// New creates a pool of k frames, each with a pageSize scratch buffer, all
// initially free.
func New(k, pageSize int) (*Pool, error) {
	if k < 1 {
		return nil, errkit.Config("BAD_K", "physical page pool needs k>=1, got %d", k)
	}
	if pageSize < 1 {
		return nil, errkit.Config("BAD_PAGE_SIZE", "physical page pool needs pageSize>=1, got %d", pageSize)
	}
	frames := make([]Frame, k)
	bufs := make([][]byte, k)
	for i := range frames {
		frames[i].vpage = -1
		bufs[i] = make([]byte, pageSize)
	}
	return &Pool{frames: frames, bufs: bufs, byVPage: make(map[int]int, k)}, nil
}

// K returns the pool capacity.
func (p *Pool) K() int { return len(p.frames) }

// FreeCount returns the number of currently unbound frames, for callers
// (read-ahead) that must abort before risking an eviction.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.frames {
		if p.frames[i].state == free {
			n++
		}
	}
	return n
}

// Buffer returns the scratch buffer belonging to frame. The caller must hold
// a pin on the frame (via Acquire) for the duration of any use, since an
// unpinned frame may be reassigned by a concurrent Acquire.
func (p *Pool) Buffer(frame int) []byte { return p.bufs[frame] }

// Lookup returns the frame index currently holding vpage, or (-1, false).
func (p *Pool) Lookup(vpage int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.byVPage[vpage]
	if ok {
		p.frames[f].ref = true
	}
	return f, ok
}

// Touch marks vpage's frame as recently used, without acquiring a frame.
// Called when a fault arrives for a vpage that is already resident.
func (p *Pool) Touch(vpage int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.byVPage[vpage]; ok {
		p.frames[f].ref = true
	}
}

// Acquire binds vpage to a frame, evicting a victim if every frame is full.
// It returns the frame index, whether an eviction occurred, and — if so —
// the evicted vpage's index and whether it was dirty (so the caller can
// write it back before reuse). A newly bound frame is returned with state
// clean and pin count 1; if vpage is already resident, its frame keeps its
// state and gains one pin. Callers must Unpin once the page is safely
// installed.
func (p *Pool) Acquire(vpage int) (frame int, evicted bool, evictedVPage int, evictedDirty bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.byVPage[vpage]; ok {
		p.frames[f].pin++
		p.frames[f].ref = true
		return f, false, -1, false, nil
	}

	for i := range p.frames {
		if p.frames[i].state == free {
			p.bind(i, vpage)
			return i, false, -1, false, nil
		}
	}

	victim, err := p.clockEvict()
	if err != nil {
		return -1, false, -1, false, err
	}

	evictedVPage = p.frames[victim].vpage
	evictedDirty = p.frames[victim].state == dirty
	delete(p.byVPage, evictedVPage)

	p.bind(victim, vpage)
	p.stats.Evictions++
	return victim, true, evictedVPage, evictedDirty, nil
}

func (p *Pool) bind(frame, vpage int) {
	p.frames[frame] = Frame{state: clean, ref: true, pin: 1, vpage: vpage}
	p.byVPage[vpage] = frame
}

// clockEvict sweeps the CLOCK hand looking for an unpinned, unreferenced
// frame, clearing reference bits as it passes. It fails with PoolExhausted
// if every frame is pinned.
func (p *Pool) clockEvict() (int, error) {
	n := len(p.frames)
	for swept := 0; swept < 2*n; swept++ {
		i := p.hand
		p.hand = (p.hand + 1) % n

		f := &p.frames[i]
		if f.pin > 0 {
			continue
		}
		if f.ref {
			f.ref = false
			continue
		}
		return i, nil
	}
	return -1, errkit.PoolExhausted(n)
}

// MarkDirty flips a resident frame's state to dirty, called on a write
// fault or a write-protect violation that resolves to a copy-on-write.
func (p *Pool) MarkDirty(vpage int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.byVPage[vpage]; ok {
		p.frames[f].state = dirty
	}
}

// MarkClean flips a resident frame's state back to clean, called after its
// bytes have been written back to the underlying file.
func (p *Pool) MarkClean(vpage int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.byVPage[vpage]; ok {
		p.frames[f].state = clean
	}
}

// IsDirty reports whether vpage's frame, if resident, is dirty.
func (p *Pool) IsDirty(vpage int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.byVPage[vpage]; ok {
		return p.frames[f].state == dirty
	}
	return false
}

// Unpin releases one pin on vpage's frame, taken by Acquire. A frame with a
// positive pin count can't be chosen as an eviction victim.
func (p *Pool) Unpin(vpage int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.byVPage[vpage]; ok && p.frames[f].pin > 0 {
		p.frames[f].pin--
	}
}

// Evict forcibly releases vpage's frame without going through CLOCK
// selection, for DontNeed. It returns whether vpage was resident and whether
// the released frame was dirty.
func (p *Pool) Evict(vpage int) (wasResident, wasDirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.byVPage[vpage]
	if !ok {
		return false, false
	}
	wasDirty = p.frames[f].state == dirty
	delete(p.byVPage, vpage)
	p.frames[f] = Frame{vpage: -1}
	return true, wasDirty
}

// Resident returns a snapshot of every currently resident vpage index. The
// result is a point-in-time copy; it does not block concurrent
// Acquire/Evict.
func (p *Pool) Resident() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.byVPage))
	for v := range p.byVPage {
		out = append(out, v)
	}
	return out
}

// RecordFault increments the fault counter.
func (p *Pool) RecordFault() {
	p.mu.Lock()
	p.stats.Faults++
	p.mu.Unlock()
}

// RecordReadAhead increments the read-ahead hit or miss counter.
func (p *Pool) RecordReadAhead(hit bool) {
	p.mu.Lock()
	if hit {
		p.stats.ReadAheadHits++
	} else {
		p.stats.ReadAheadMisses++
	}
	p.mu.Unlock()
}

// StatsSnapshot returns a snapshot of the pool's counters.
func (p *Pool) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
