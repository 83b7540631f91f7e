// Package config validates the construction-time parameters of an EMM.
// Parsing those values out of a flag set, environment, or config file is the
// caller's job — EMM only validates and stores them.
package config

import (
	"os"

	"github.com/orizon-lang/emm/internal/errkit"
)

// AccessMode selects the default protection used by future faults.
type AccessMode int

const (
	// ReadOnly: every fault produces a clean, read-only resident page; a
	// subsequent store re-faults and fails with ReadOnlyViolation.
	ReadOnly AccessMode = iota
	// ReadWrite: faults may reach a dirty, writable resident page.
	ReadWrite
)

func (m AccessMode) String() string {
	if m == ReadOnly {
		return "READ_ONLY"
	}
	return "READ_WRITE"
}

// Config holds every recognized construction-time option plus the
// collaborators EMM consumes: the underlying file and the symmetric key.
type Config struct {
	// File is the underlying mapping: the ciphertext-bearing byte array EMM
	// reads from and writes back to. EMM takes exclusive write access to it
	// for its lifetime.
	File *os.File

	// Size is V, the total virtual size, equal to the underlying file's size.
	Size int64

	// CachePageSize is P: the cache page size in bytes. Power of two, >= the
	// OS page size.
	CachePageSize int

	// CacheSize is C: the cache size in bytes. K = C / P physical pages are
	// allocated; K must be >= 1.
	CacheSize int

	// EncryptionStartOffset: bytes before this offset in the underlying map
	// are plaintext and never touch the cipher.
	EncryptionStartOffset int64

	// Key is the symmetric key; its length (16 or 32 bytes) selects AES-128
	// or AES-256.
	Key []byte

	// SyncOnDestroy: if true, Close calls Sync before releasing resources.
	SyncOnDestroy bool

	// ReadAhead is R, the read-ahead window counting the faulting vpage: a
	// read fault on vpage i best-effort pre-faults vpages i+1 .. i+R-1. Zero
	// or one disables read-ahead.
	ReadAhead int

	// AccessMode is the initial default protection for future faults.
	AccessMode AccessMode
}

// Validate checks every invariant the configuration's fields must satisfy
// and returns a *errkit.Error with Category CONFIG on the first violation
// found.
func (c *Config) Validate() error {
	if c.File == nil {
		return errkit.Config("NO_FILE", "underlying mapping file is required")
	}
	if c.Size <= 0 {
		return errkit.Config("BAD_SIZE", "size V=%d must be positive", c.Size)
	}
	if c.CachePageSize <= 0 || c.CachePageSize&(c.CachePageSize-1) != 0 {
		return errkit.Config("BAD_PAGE_SIZE", "cache page size P=%d must be a power of two", c.CachePageSize)
	}
	if osPageSize := os.Getpagesize(); c.CachePageSize < osPageSize {
		return errkit.Config("BAD_PAGE_SIZE", "cache page size P=%d must be >= the OS page size %d", c.CachePageSize, osPageSize)
	}
	if c.CacheSize < c.CachePageSize {
		return errkit.Config("BAD_CACHE_SIZE", "cache size C=%d must be >= page size P=%d", c.CacheSize, c.CachePageSize)
	}
	k := c.CacheSize / c.CachePageSize
	if k < 1 {
		return errkit.Config("BAD_CACHE_SIZE", "cache size C=%d yields K=%d physical pages, need K>=1", c.CacheSize, k)
	}
	if c.EncryptionStartOffset < 0 || c.EncryptionStartOffset >= c.Size {
		return errkit.Config("BAD_ENCRYPTION_START", "encryption start offset %d must be in [0, V=%d)", c.EncryptionStartOffset, c.Size)
	}
	switch len(c.Key) {
	case 16, 32:
	default:
		return errkit.Config("BAD_KEY_LEN", "key length %d must be 16 (AES-128) or 32 (AES-256) bytes", len(c.Key))
	}
	if c.ReadAhead < 0 {
		return errkit.Config("BAD_READ_AHEAD", "read-ahead %d must be >= 0", c.ReadAhead)
	}
	return nil
}

// NumVirtualPages returns N = ceil(V/P).
func (c *Config) NumVirtualPages() int {
	n := c.Size / int64(c.CachePageSize)
	if c.Size%int64(c.CachePageSize) != 0 {
		n++
	}
	return int(n)
}

// NumPhysicalPages returns K = floor(C/P).
func (c *Config) NumPhysicalPages() int {
	return c.CacheSize / c.CachePageSize
}

// LastPageSize returns the byte length of the final, possibly short, vpage.
func (c *Config) LastPageSize() int64 {
	n := c.NumVirtualPages()
	rem := c.Size - int64(n-1)*int64(c.CachePageSize)
	return rem
}
