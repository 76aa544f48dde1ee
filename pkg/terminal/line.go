package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-delve/liner"
)

// LinePrompter is the interactive Prompter, on a liner line editor.
// Choices can be completed with tab.
type LinePrompter struct {
	line        *liner.State
	out         io.Writer
	historyFile string
	menu        *menu
}

// NewLinePrompter returns a prompter reading from the terminal. History
// is loaded from historyFile, if not empty, and saved there by Close.
func NewLinePrompter(out io.Writer, historyFile string) *LinePrompter {
	p := &LinePrompter{line: liner.NewLiner(), out: out, historyFile: historyFile}
	p.line.SetCtrlCAborts(true)
	p.line.SetCompleter(func(line string) []string {
		if p.menu == nil {
			return nil
		}
		return p.menu.complete(line)
	})
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			p.line.ReadHistory(f)
			f.Close()
		}
	}
	return p
}

func (p *LinePrompter) Choose(prompt string, choices []string) (int, error) {
	p.menu = newMenu(choices)
	defer func() { p.menu = nil }()

	fmt.Fprintf(p.out, "%s\n", prompt)
	for i, c := range choices {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, c)
	}
	for {
		answer, err := p.prompt("> ")
		if err != nil {
			return 0, err
		}
		if i, ok := p.menu.match(answer); ok {
			return i, nil
		}
		fmt.Fprintf(p.out, "Type a number between 1 and %d or the start of a choice.\n", len(choices))
	}
}

func (p *LinePrompter) Ask(prompt string) (string, error) {
	s, err := p.prompt(prompt + ": ")
	if err != nil {
		return "", err
	}
	if s != "" {
		p.line.AppendHistory(s)
	}
	return s, nil
}

func (p *LinePrompter) prompt(s string) (string, error) {
	answer, err := p.line.Prompt(s)
	if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
		return "", ErrAborted
	}
	return answer, err
}

// Close saves the history and returns the terminal to its previous mode.
func (p *LinePrompter) Close() error {
	if p.historyFile != "" {
		if f, err := os.Create(p.historyFile); err == nil {
			if _, err := p.line.WriteHistory(f); err != nil {
				fmt.Fprintln(p.out, "readline history error:", err)
			}
			f.Close()
		}
	}
	return p.line.Close()
}
