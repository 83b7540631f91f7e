//go:build linux

// Package router implements SignalRouter: the process-wide dispatcher that
// owns a single userfaultfd descriptor shared by every EMM instance in the
// process, polls it for fault notifications, and routes each one to the EMM
// whose virtual range contains the faulting address.
//
// A shared descriptor rather than one per EMM means a process hosting many
// small encrypted maps pays for one poll loop and one pool of fault-servicing
// goroutines, not N of each, the same amortization a process-wide actor
// dispatch loop gets from fanning in many mailboxes onto one run queue,
// adapted here from a message-queue fan-in to a fault-address fan-in.
package router

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/emm/internal/errkit"
	"github.com/orizon-lang/emm/internal/telemetry"
	"github.com/orizon-lang/emm/internal/uffd"
)

// Handler is implemented by an EMM instance to resolve one fault delivered
// against its registered range.
type Handler interface {
	// HandleFault resolves a single fault at addr, relative to the handler's
	// own range in whatever way it tracks (the handler receives the raw
	// process-wide address and is responsible for translating it back to a
	// vpage index itself).
	HandleFault(addr uintptr, write, writeProtect bool) error
}

// SignalRouter owns the shared userfaultfd descriptor, the address-range
// registry, and the goroutine pool that services faults concurrently.
type SignalRouter struct {
	fd       *uffd.FD
	wake     [2]int // self-pipe, so Close can unblock the poll loop
	reg      *registry
	log      telemetry.Logger
	maxFault int

	foreignFaults atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	servingWG sync.WaitGroup
}

var (
	globalOnce   sync.Once
	globalRouter *SignalRouter
	globalErr    error
)

// Global returns the process-wide SignalRouter, creating it on first use.
func Global(log telemetry.Logger) (*SignalRouter, error) {
	globalOnce.Do(func() {
		globalRouter, globalErr = New(log, 64)
	})
	return globalRouter, globalErr
}

// New creates an independent SignalRouter with its own userfaultfd
// descriptor. Production code should use Global; New exists so tests can run
// several isolated routers without cross-talk.
func New(log telemetry.Logger, maxConcurrentFaults int) (*SignalRouter, error) {
	if log == nil {
		log = telemetry.Noop()
	}
	fd, err := uffd.Open(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		return nil, err
	}

	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = fd.Close()
		return nil, errkit.Map(false, "create router wake pipe: %v", err)
	}

	r := &SignalRouter{
		fd:       fd,
		wake:     wake,
		reg:      newRegistry(),
		log:      log,
		maxFault: maxConcurrentFaults,
		done:     make(chan struct{}),
	}

	r.servingWG.Add(1)
	go r.serve()

	return r, nil
}

// RegisterRange arms [base, base+size) on the shared uffd descriptor and
// records h as its owner.
func (r *SignalRouter) RegisterRange(base, size uintptr, h Handler) error {
	if err := r.fd.Register(base, size); err != nil {
		return err
	}
	if !r.reg.register(base, size, h) {
		_ = r.fd.Unregister(base, size)
		return errkit.Config("RANGE_OVERLAP", "range [%#x,%#x) overlaps an already-registered range", base, base+size)
	}
	return nil
}

// UnregisterRange disarms a previously registered range.
func (r *SignalRouter) UnregisterRange(base, size uintptr) error {
	r.reg.unregister(base)
	return r.fd.Unregister(base, size)
}

// ForeignFaults returns the count of faults observed against addresses no
// registered range claims: a fault against memory this package did not
// reserve, which should be structurally unreachable but is counted rather
// than trusted away.
func (r *SignalRouter) ForeignFaults() int64 { return r.foreignFaults.Load() }

// Fd exposes the underlying descriptor, through which registered handlers
// issue their copy and write-protect operations.
func (r *SignalRouter) Fd() *uffd.FD { return r.fd }

// Close stops the poll loop and releases the uffd descriptor. Safe to call
// more than once.
func (r *SignalRouter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		_, werr := unix.Write(r.wake[1], []byte{0})
		_ = werr
		r.servingWG.Wait()
		unix.Close(r.wake[0])
		unix.Close(r.wake[1])
		err = r.fd.Close()
	})
	return err
}

// serve polls the uffd descriptor and the wake pipe, reading and dispatching
// fault messages as they arrive, until Close is called.
func (r *SignalRouter) serve() {
	defer r.servingWG.Done()

	pollFds := []unix.PollFd{
		{Fd: int32(r.fd.Fd()), Events: unix.POLLIN},
		{Fd: int32(r.wake[0]), Events: unix.POLLIN},
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(r.maxFault)

	for {
		select {
		case <-r.done:
			_ = g.Wait()
			return
		default:
		}

		n, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.Error(ctx, "router poll failed", "error", err)
			return
		}
		if n == 0 {
			continue
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			// Wake pipe fired: either shutting down, or spurious; the done
			// channel check at the top of the loop is authoritative.
			var buf [1]byte
			_, _ = unix.Read(r.wake[0], buf[:])
		}

		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		for {
			fault, ok, err := r.fd.ReadMessage()
			if err != nil {
				if err == unix.EAGAIN {
					break
				}
				r.log.Error(ctx, "router read fault message failed", "error", err)
				break
			}
			if !ok {
				continue
			}

			f := fault
			g.Go(func() error {
				r.dispatch(ctx, f)
				return nil
			})
		}
	}
}

func (r *SignalRouter) dispatch(ctx context.Context, f uffd.Fault) {
	h, ok := r.reg.lookup(f.Address)
	if !ok {
		r.foreignFaults.Add(1)
		r.log.Warn(ctx, "fault against unregistered address, resolving as zero page",
			"address", f.Address)
		r.resolveForeign(f.Address)
		return
	}

	if err := h.HandleFault(f.Address, f.Write, f.WriteProtect); err != nil {
		r.log.Error(ctx, "fault handler failed", "address", f.Address, "error", err)
		if fe, ok := err.(interface{ Fatal() bool }); ok && fe.Fatal() {
			// The faulting thread is blocked on this fault with no way to
			// retry past it, so there is nothing waiting to read an error
			// return; terminate rather than leave it stuck.
			r.log.Error(ctx, "fatal fault-path error, terminating process", "address", f.Address)
			os.Exit(1)
		}
	}
}

// resolveForeign acks a fault against memory no EMM owns by copying in a
// zero page, matching the design decision that a ForeignFault is treated as
// an access into an ordinary zero-fill hole rather than left to hang the
// faulting thread forever.
func (r *SignalRouter) resolveForeign(addr uintptr) {
	pageSize := os.Getpagesize()
	aligned := addr &^ uintptr(pageSize-1)
	zero := make([]byte, pageSize)
	_ = r.fd.Copy(aligned, zero, false)
}
