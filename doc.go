// Package emm implements an encrypted, demand-paged memory map: a large
// virtual address range whose backing bytes live encrypted on a file but
// read and write as plaintext through ordinary pointer dereferences. Pages
// are decrypted into a bounded cache on first touch and re-encrypted back to
// the file when evicted or explicitly synced.
//
// Construction reserves the virtual range and arms it against the
// process-wide fault router (package router); every subsequent load or
// store that lands outside the currently resident set traps into that
// router, which hands the fault to this EMM's own handler. Callers never
// see the trap directly — they read and write through the slice returned by
// Bytes, or through the pointer returned by Ptr, exactly as if the whole
// range were resident all along.
//
// This package is Linux-only: the fault-interception mechanism is
// userfaultfd(2), which has no equivalent elsewhere. New returns
// ErrUnsupported on other platforms.
package emm
