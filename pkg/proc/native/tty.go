//go:build !windows

package native

import (
	"fmt"
	"io"
	"os"

	"github.com/creack/pty"
	isatty "github.com/mattn/go-isatty"

	"github.com/isolate-dbg/isolate/pkg/logflags"
)

// NewTTY is the TTY value that asks for a fresh pseudo-terminal.
const NewTTY = "new"

// childTTY is the terminal handed to a launched child.
type childTTY struct {
	// file becomes the standard streams and controlling terminal of the
	// child; nil means the child inherits the controller's.
	file *os.File
	// master is the controller side of a pseudo-terminal created for the
	// child, copied to out until either side closes it.
	master *os.File
	// copied is closed once the output copy returns.
	copied chan struct{}
}

// openTTY resolves a TTY setting: empty inherits, NewTTY allocates a
// pseudo-terminal whose output is copied to out, anything else is the
// path of an existing terminal.
func openTTY(tty string, out io.Writer) (*childTTY, error) {
	switch tty {
	case "":
		return &childTTY{}, nil
	case NewTTY:
		master, slave, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf("could not allocate a pseudo-terminal: %w", err)
		}
		logflags.LaunchLogger().Debugf("allocated %s for the target", slave.Name())
		t := &childTTY{file: slave, master: master, copied: make(chan struct{})}
		go func() {
			defer close(t.copied)
			if _, err := io.Copy(out, master); err != nil {
				logflags.LaunchLogger().Debugf("target terminal closed: %v", err)
			}
		}()
		return t, nil
	}

	f, err := os.OpenFile(tty, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if !isatty.IsTerminal(f.Fd()) {
		f.Close()
		return nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	return &childTTY{file: f}, nil
}

// fd returns the descriptor the child dups onto its standard streams, or
// -1.
func (t *childTTY) fd() int {
	if t.file == nil {
		return -1
	}
	return int(t.file.Fd())
}

// parentDone closes the controller's copy of the child side. The master
// stays open for the copy goroutine.
func (t *childTTY) parentDone() {
	if t.file != nil {
		t.file.Close()
	}
}

// close releases the master, which ends the output copy.
func (t *childTTY) close() {
	if t.master != nil {
		t.master.Close()
	}
}
