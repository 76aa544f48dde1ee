//go:build !darwin || !cgo

package native

import (
	"github.com/isolate-dbg/isolate/pkg/proc"
)

// New returns ErrNativeBackendDisabled.
func New() (proc.Backend, error) {
	return nil, ErrNativeBackendDisabled
}
