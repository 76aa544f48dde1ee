package terminal

import (
	"fmt"
	"io"

	"go.starlark.net/starlark"

	"github.com/isolate-dbg/isolate/pkg/argval"
)

const (
	primitiveBuiltinName = "primitive"
	complexBuiltinName   = "complex"
)

// answer is one recorded reply: a choice index or a line of text.
type answer struct {
	choice int
	text   string
	isText bool
}

// ScriptPrompter replays the arguments declared by a starlark script as
// answers to CollectArguments. The script calls primitive(kind, value)
// once per argument, and complex() for an argument that cannot be
// expressed yet:
//
//	primitive("i32", -5)
//	primitive("double", "1.5e3")
//
// Once the recorded answers run out every prompt returns ErrAborted, so a
// script ending with complex() aborts the collection.
type ScriptPrompter struct {
	answers []answer
}

// NewScriptPrompter runs the script at path. When source is not nil it is
// used instead of the file contents, as in starlark.ExecFile.
func NewScriptPrompter(path string, source interface{}, out io.Writer) (*ScriptPrompter, error) {
	var args []answer
	nargs := 0

	primitive := func(thread *starlark.Thread, b *starlark.Builtin, targs starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var kindName string
		var value starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), targs, kwargs, 2, &kindName, &value); err != nil {
			return nil, err
		}
		k, err := argval.ParseKind(kindName)
		if err != nil {
			return nil, err
		}
		text, err := valueText(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		if _, err := argval.Parse(k, text); err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		if nargs > 0 {
			args = append(args, answer{choice: 0}) // Done? No
		}
		args = append(args, answer{choice: 0}, answer{choice: kindIndex(k)}, answer{text: text, isText: true})
		nargs++
		return starlark.None, nil
	}
	complexArg := func(thread *starlark.Thread, b *starlark.Builtin, targs starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(b.Name(), targs, kwargs, 0); err != nil {
			return nil, err
		}
		if nargs > 0 {
			args = append(args, answer{choice: 0})
			nargs = 0
		}
		args = append(args, answer{choice: 1})
		return starlark.None, nil
	}

	predeclared := starlark.StringDict{
		primitiveBuiltinName: starlark.NewBuiltin(primitiveBuiltinName, primitive),
		complexBuiltinName:   starlark.NewBuiltin(complexBuiltinName, complexArg),
	}
	thread := &starlark.Thread{
		Name:  "args " + path,
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(out, msg) },
	}
	if _, err := starlark.ExecFile(thread, path, source, predeclared); err != nil {
		return nil, err
	}
	if nargs > 0 {
		args = append(args, answer{choice: 1}) // Done? Yes
	}
	return &ScriptPrompter{answers: args}, nil
}

func kindIndex(k argval.Kind) int {
	for i, kk := range argval.Kinds {
		if kk == k {
			return i
		}
	}
	return -1
}

func valueText(v starlark.Value) (string, error) {
	switch v := v.(type) {
	case starlark.String:
		return string(v), nil
	case starlark.Int, starlark.Float:
		return v.String(), nil
	}
	return "", fmt.Errorf("value must be a number or a string, not %s", v.Type())
}

func (p *ScriptPrompter) next() (answer, error) {
	if len(p.answers) == 0 {
		return answer{}, ErrAborted
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *ScriptPrompter) Choose(prompt string, choices []string) (int, error) {
	a, err := p.next()
	if err != nil {
		return 0, err
	}
	if a.isText {
		return 0, fmt.Errorf("script answered %q to %q", a.text, prompt)
	}
	return a.choice, nil
}

func (p *ScriptPrompter) Ask(prompt string) (string, error) {
	a, err := p.next()
	if err != nil {
		return "", err
	}
	if !a.isText {
		return "", fmt.Errorf("script made a choice at %q", prompt)
	}
	return a.text, nil
}
