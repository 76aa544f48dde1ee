//go:build !unix

package proc

import "errors"

// stopSignal is SIGSTOP as numbered by the Darwin kernel.
const stopSignal = 17

const trapSignal = 5

type anonStaging struct{}

func (anonStaging) Map(size int) ([]byte, error) {
	return nil, errors.New("staging mappings are not supported on this OS")
}

func (anonStaging) Unmap(b []byte) error { return nil }
