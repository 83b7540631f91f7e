//go:build !linux

package emm

import (
	"errors"

	"github.com/orizon-lang/emm/internal/config"
	"github.com/orizon-lang/emm/internal/telemetry"
)

// ErrUnsupported is returned by New on any platform other than Linux: the
// fault-interception mechanism this package relies on, userfaultfd(2), is a
// Linux-specific facility with no portable equivalent.
var ErrUnsupported = errors.New("emm: userfaultfd is only available on linux")

// EMM is an unusable stand-in on non-Linux platforms; every method reports
// ErrUnsupported or a harmless zero value. It exists so the package imports
// and type-checks identically across platforms.
type EMM struct{}

// New always fails on non-Linux platforms.
func New(cfg config.Config, log telemetry.Logger) (*EMM, error) {
	return nil, ErrUnsupported
}

func (e *EMM) Ptr() uintptr                         { return 0 }
func (e *EMM) Size() int64                          { return 0 }
func (e *EMM) Bytes() []byte                        { return nil }
func (e *EMM) SetAccessMode(mode config.AccessMode) {}
func (e *EMM) Lock()                                {}
func (e *EMM) Unlock()                              {}
func (e *EMM) SetKey(key []byte) error              { return ErrUnsupported }
func (e *EMM) Sync(addr, length int64) error        { return ErrUnsupported }
func (e *EMM) SyncAll() error                       { return ErrUnsupported }
func (e *EMM) DontNeed() error                      { return ErrUnsupported }
func (e *EMM) Unmap() error                         { return nil }
func (e *EMM) Close() error                         { return nil }
