//go:build !darwin || !cgo

package native

import (
	"errors"
	"testing"
)

func TestNewDisabled(t *testing.T) {
	if _, err := New(); !errors.Is(err, ErrNativeBackendDisabled) {
		t.Fatalf("expected ErrNativeBackendDisabled, got %v", err)
	}
}
