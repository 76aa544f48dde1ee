package terminal

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/isolate-dbg/isolate/pkg/argval"
)

// ErrAborted is returned by prompters when the user gave up answering
// (Ctrl-C, end of input or an exhausted script).
var ErrAborted = errors.New("prompt aborted")

// Prompter asks the user one question at a time.
type Prompter interface {
	// Choose shows choices and returns the index of the selected one.
	Choose(prompt string, choices []string) (int, error)
	// Ask reads one line of text.
	Ask(prompt string) (string, error)
}

const (
	argumentTypePrompt  = "Argument type"
	primitiveKindPrompt = "Primitive type"
	donePrompt          = "Done?"
)

var (
	argumentTypes = []string{"Primitive", "Complex"}
	doneChoices   = []string{"No", "Yes"}
)

// CollectArguments asks for call arguments until the user answers Yes to
// Done?. Values that do not parse, or do not fit their kind, are reported
// on out and asked again. When the user aborts, the arguments collected
// so far are returned along with ErrAborted.
func CollectArguments(p Prompter, out io.Writer) ([]argval.Value, error) {
	var args []argval.Value
	for {
		typ, err := choose(p, argumentTypePrompt, argumentTypes)
		if err != nil {
			return args, err
		}
		if typ == 1 {
			fmt.Fprintln(out, "Complex arguments are not supported yet.")
			continue
		}

		k, err := choose(p, primitiveKindPrompt, argval.KindNames())
		if err != nil {
			return args, err
		}
		v, err := askValue(p, out, argval.Kinds[k])
		if err != nil {
			return args, err
		}
		args = append(args, v)

		done, err := choose(p, donePrompt, doneChoices)
		if err != nil {
			return args, err
		}
		if done == 1 {
			return args, nil
		}
	}
}

func choose(p Prompter, prompt string, choices []string) (int, error) {
	i, err := p.Choose(prompt, choices)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= len(choices) {
		return 0, fmt.Errorf("choice %d out of range for %q", i, prompt)
	}
	return i, nil
}

func askValue(p Prompter, out io.Writer, k argval.Kind) (argval.Value, error) {
	for {
		s, err := p.Ask(fmt.Sprintf("%s value", k))
		if err != nil {
			return argval.Value{}, err
		}
		v, err := argval.Parse(k, strings.TrimSpace(s))
		if err != nil {
			fmt.Fprintf(out, "Invalid %s value: %v\n", k, err)
			continue
		}
		return v, nil
	}
}
