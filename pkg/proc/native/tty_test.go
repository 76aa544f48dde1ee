//go:build !windows

package native

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
)

type syncBuffer struct {
	ch chan []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.ch <- append([]byte(nil), p...)
	return len(p), nil
}

func TestOpenTTYInherit(t *testing.T) {
	tty, err := openTTY("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tty.fd() != -1 {
		t.Fatalf("expected no descriptor, got %d", tty.fd())
	}
	tty.parentDone()
	tty.close()
}

func TestOpenTTYNotATerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "tty")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	_, err = openTTY(f.Name(), nil)
	if err == nil || !strings.Contains(err.Error(), "is not a terminal") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestOpenTTYNew(t *testing.T) {
	out := &syncBuffer{ch: make(chan []byte, 16)}
	tty, err := openTTY(NewTTY, out)
	if err != nil {
		t.Skipf("no pseudo-terminals available: %v", err)
	}
	defer tty.close()
	if tty.fd() < 0 {
		t.Fatal("no descriptor for the child side")
	}
	if _, err := tty.file.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	defer tty.parentDone()

	var got []byte
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(got, []byte("hello")) {
		select {
		case b := <-out.ch:
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("target output not copied, got %q", got)
		}
	}
}

func TestChildTTYCloseEndsCopy(t *testing.T) {
	out := &syncBuffer{ch: make(chan []byte, 16)}
	tty, err := openTTY(NewTTY, out)
	if err != nil {
		t.Skipf("no pseudo-terminals available: %v", err)
	}
	tty.parentDone()
	tty.close()

	select {
	case <-tty.copied:
	case <-time.After(5 * time.Second):
		t.Fatal("output copy still running after close")
	}
	if err := tty.master.Close(); err == nil {
		t.Fatal("master left open")
	}
}
