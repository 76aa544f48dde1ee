package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
)

// Printer writes diagnostics, highlighted when the destination is a
// terminal.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter returns a Printer on f. Colors are disabled when f is not a
// terminal or TERM is dumb.
func NewPrinter(f *os.File) *Printer {
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	color := !dumb && isatty.IsTerminal(f.Fd())
	return &Printer{w: colorable.NewColorable(f), color: color}
}

// NewPlainPrinter returns a Printer on w that never highlights.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

func (p *Printer) println(color int, prefix, str string) {
	if p.color {
		prefix = fmt.Sprintf(terminalHighlightEscapeCode, color) + prefix + terminalResetEscapeCode
	}
	fmt.Fprintf(p.w, "%s%s\n", prefix, str)
}

// Errorf prints an error line.
func (p *Printer) Errorf(format string, args ...interface{}) {
	p.println(ansiRed, "error: ", fmt.Sprintf(format, args...))
}

// Warnf prints a warning line.
func (p *Printer) Warnf(format string, args ...interface{}) {
	p.println(ansiYellow, "warning: ", fmt.Sprintf(format, args...))
}

// Notef prints an informational line.
func (p *Printer) Notef(format string, args ...interface{}) {
	p.println(ansiGreen, "> ", fmt.Sprintf(format, args...))
}
