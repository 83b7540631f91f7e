//go:build linux

package emm

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/emm/internal/cipherblock"
	"github.com/orizon-lang/emm/internal/config"
	"github.com/orizon-lang/emm/internal/errkit"
	"github.com/orizon-lang/emm/internal/ppage"
	"github.com/orizon-lang/emm/internal/protmap"
	"github.com/orizon-lang/emm/internal/rawmap"
	"github.com/orizon-lang/emm/internal/router"
	"github.com/orizon-lang/emm/internal/telemetry"
)

// EMM is one encrypted, demand-paged memory map. Construct with New; release
// resources with Unmap (or Close, its alias) when done.
type EMM struct {
	cfg config.Config
	log telemetry.Logger

	mapping    *rawmap.Mapping
	prot       *protmap.Map
	pool       *ppage.Pool
	cipher     *cipherblock.Block
	router     *router.SignalRouter
	osPageSize int

	// mu is the single per-EMM serialization token guarding the binding
	// table, the protection map, and the pool for this instance. The fault
	// handler holds it for the duration of one fault; Lock/Unlock let a bulk
	// public operation hold residency stable across several.
	mu sync.Mutex

	mode   atomic.Int32 // config.AccessMode
	closed atomic.Bool
}

// New constructs an EMM over cfg.File, reserving a cfg.Size-byte virtual
// range and registering it with the process-wide fault router. log may be
// nil, in which case a no-op logger is used.
func New(cfg config.Config, log telemetry.Logger) (*EMM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = telemetry.Noop()
	}

	mapping, err := rawmap.New(cfg.File, cfg.Size)
	if err != nil {
		return nil, err
	}

	prot, err := protmap.New(cfg.NumVirtualPages())
	if err != nil {
		_ = mapping.Close()
		return nil, err
	}

	pool, err := ppage.New(cfg.NumPhysicalPages(), cfg.CachePageSize)
	if err != nil {
		_ = prot.Close()
		_ = mapping.Close()
		return nil, err
	}

	cipher, err := cipherblock.New(cfg.Key, int64(cfg.CachePageSize))
	if err != nil {
		_ = prot.Close()
		_ = mapping.Close()
		return nil, err
	}

	rt, err := router.Global(log)
	if err != nil {
		_ = prot.Close()
		_ = mapping.Close()
		return nil, err
	}

	e := &EMM{
		cfg:        cfg,
		log:        log,
		mapping:    mapping,
		prot:       prot,
		pool:       pool,
		cipher:     cipher,
		router:     rt,
		osPageSize: os.Getpagesize(),
	}
	e.mode.Store(int32(cfg.AccessMode))

	if err := rt.RegisterRange(mapping.Base(), uintptr(mapping.ReserveSize()), e); err != nil {
		_ = prot.Close()
		_ = mapping.Close()
		return nil, err
	}

	return e, nil
}

// Ptr returns the constant base address of the virtual range.
func (e *EMM) Ptr() uintptr { return e.mapping.Base() }

// Size returns V, the constant total virtual size.
func (e *EMM) Size() int64 { return e.cfg.Size }

// Bytes returns the whole virtual range as a byte slice. Indexing into it
// transparently services faults exactly as a raw pointer dereference would.
func (e *EMM) Bytes() []byte { return e.mapping.Virtual() }

func (e *EMM) accessMode() config.AccessMode {
	return config.AccessMode(e.mode.Load())
}

// SetAccessMode changes the default protection applied to future faults.
// Already-resident vpages are unaffected.
func (e *EMM) SetAccessMode(mode config.AccessMode) {
	e.mode.Store(int32(mode))
}

// Lock acquires the per-EMM serialization token, holding the fault path out
// for its duration.
func (e *EMM) Lock() { e.mu.Lock() }

// Unlock releases the token acquired by Lock.
func (e *EMM) Unlock() { e.mu.Unlock() }

// SetKey replaces the symmetric key used for future encryption and
// decryption. It fails with a BusyError if any vpage is currently resident;
// callers must DontNeed first.
func (e *EMM) SetKey(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pool.Resident()) != 0 {
		return errkit.Busy("set_key")
	}

	blk, err := cipherblock.New(key, int64(e.cfg.CachePageSize))
	if err != nil {
		return err
	}
	e.cipher = blk
	e.cfg.Key = key
	return nil
}

// pageBounds returns the underlying-mapping byte range [start, start+length)
// covered by vpage i, accounting for a short final page.
func (e *EMM) pageBounds(i int) (start int64, length int) {
	p := int64(e.cfg.CachePageSize)
	start = int64(i) * p
	end := start + p
	if end > e.cfg.Size {
		end = e.cfg.Size
	}
	return start, int(end - start)
}

// vpageAddr returns the absolute virtual address of the start of vpage i.
func (e *EMM) vpageAddr(i int) uintptr {
	start, _ := e.pageBounds(i)
	return e.mapping.Base() + uintptr(start)
}

// opLength rounds n up to a multiple of the OS page size: the granularity
// every userfaultfd ioctl requires. Every cache page is already such a
// multiple except a short final page, whose real length (from pageBounds)
// can fall short of one; the extra bytes this rounds in are backed by the
// reservation's trailing slack (see rawmap.Mapping.ReserveSize) and never
// hold meaningful content.
func (e *EMM) opLength(n int) int {
	if r := n % e.osPageSize; r != 0 {
		return n + (e.osPageSize - r)
	}
	return n
}

// cryptPage XOR-applies the keystream to buf in place, where buf holds the
// full bytes of vpage i starting at pageStart, skipping any prefix that
// falls before the configured plaintext header. CTR keystreams are their own
// inverse, so this same call encrypts on write-back and decrypts on fault.
func (e *EMM) cryptPage(i int, buf []byte, pageStart int64) error {
	length := int64(len(buf))
	plainLen := int64(0)
	if e.cfg.EncryptionStartOffset > pageStart {
		plainLen = e.cfg.EncryptionStartOffset - pageStart
		if plainLen > length {
			plainLen = length
		}
	}
	if plainLen >= length {
		return nil
	}
	return e.cipher.Process(int64(i), plainLen, buf[plainLen:], length)
}

// Sync writes back every currently dirty vpage overlapping the byte range
// [addr, addr+length) of the underlying mapping (addr relative to Ptr, not
// an absolute pointer) and downgrades it to clean. Vpages outside the range,
// or already clean, are untouched.
func (e *EMM) Sync(addr int64, length int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked(addr, length)
}

func (e *EMM) syncLocked(addr, length int64) error {
	if length <= 0 {
		return nil
	}
	p := int64(e.cfg.CachePageSize)
	first := addr / p
	last := (addr + length - 1) / p
	for i := int(first); i <= int(last) && i < e.cfg.NumVirtualPages(); i++ {
		if i < 0 {
			continue
		}
		if e.prot.Get(i) != protmap.ReadWrite {
			continue
		}
		if err := e.writeBackResident(i); err != nil {
			return err
		}
	}
	return nil
}

// SyncAll is Sync(0, Size()).
func (e *EMM) SyncAll() error {
	return e.Sync(0, e.cfg.Size)
}

// DontNeed evicts every resident vpage, writing back dirty ones first, and
// returns the pool to fully free.
func (e *EMM) DontNeed() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i < e.cfg.NumVirtualPages(); i++ {
		switch e.prot.Get(i) {
		case protmap.ReadWrite:
			if err := e.writeBackResident(i); err != nil {
				return err
			}
			fallthrough
		case protmap.Read:
			if err := e.evictClean(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Unmap releases the EMM: it unregisters the virtual range from the fault
// router, unmaps the underlying and virtual mappings, and releases the
// protection table. It is idempotent; a second call is a no-op. If
// cfg.SyncOnDestroy is set, it syncs the whole range first.
func (e *EMM) Unmap() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	if e.cfg.SyncOnDestroy {
		_ = e.syncLocked(0, e.cfg.Size)
	}
	e.mu.Unlock()

	var firstErr error
	if err := e.router.UnregisterRange(e.mapping.Base(), uintptr(e.mapping.ReserveSize())); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.prot.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.mapping.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close is an alias for Unmap, for callers that prefer io.Closer shape.
func (e *EMM) Close() error { return e.Unmap() }
