package terminal

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/isolate-dbg/isolate/pkg/argval"
)

// cannedPrompter answers from a list; ints answer Choose, strings answer
// Ask.
type cannedPrompter struct {
	answers []interface{}
	asked   []string
}

func (p *cannedPrompter) next(prompt string) (interface{}, error) {
	p.asked = append(p.asked, prompt)
	if len(p.answers) == 0 {
		return nil, ErrAborted
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *cannedPrompter) Choose(prompt string, choices []string) (int, error) {
	a, err := p.next(prompt)
	if err != nil {
		return 0, err
	}
	i, ok := a.(int)
	if !ok {
		return 0, fmt.Errorf("wanted a choice at %q, have %v", prompt, a)
	}
	return i, nil
}

func (p *cannedPrompter) Ask(prompt string) (string, error) {
	a, err := p.next(prompt)
	if err != nil {
		return "", err
	}
	s, ok := a.(string)
	if !ok {
		return "", fmt.Errorf("wanted text at %q, have %v", prompt, a)
	}
	return s, nil
}

func kindChoice(k argval.Kind) int { return kindIndex(k) }

func TestCollectArguments(t *testing.T) {
	p := &cannedPrompter{answers: []interface{}{
		0, kindChoice(argval.I8), "300", "-12", 0,
		1,
		0, kindChoice(argval.U64), "0x10", 0,
		0, kindChoice(argval.Double), " 2.5 ", 1,
	}}
	out := new(bytes.Buffer)
	args, err := CollectArguments(p, out)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, a := range args {
		got = append(got, a.String())
	}
	if want := "i8(-12) u64(16) double(2.5)"; strings.Join(got, " ") != want {
		t.Fatalf("got %v, want %s", got, want)
	}
	if !strings.Contains(out.String(), "Invalid i8 value") {
		t.Errorf("range failure not reported: %q", out.String())
	}
	if !strings.Contains(out.String(), "not supported") {
		t.Errorf("complex argument not reported: %q", out.String())
	}
	if len(p.answers) != 0 {
		t.Errorf("%d answers left", len(p.answers))
	}
}

func TestCollectArgumentsAbort(t *testing.T) {
	p := &cannedPrompter{answers: []interface{}{0, kindChoice(argval.U8), "7", 0, 0}}
	args, err := CollectArguments(p, new(bytes.Buffer))
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if len(args) != 1 || args[0].Uint() != 7 {
		t.Fatalf("unexpected arguments %v", args)
	}
	if last := p.asked[len(p.asked)-1]; last != "Primitive type" {
		t.Fatalf("aborted at %q", last)
	}
}

func TestCollectArgumentsBadChoice(t *testing.T) {
	p := &cannedPrompter{answers: []interface{}{5}}
	if _, err := CollectArguments(p, new(bytes.Buffer)); err == nil || errors.Is(err, ErrAborted) {
		t.Fatalf("expected an out of range error, got %v", err)
	}
}

func TestMenu(t *testing.T) {
	m := newMenu(argval.KindNames())
	for _, tc := range []struct {
		answer string
		want   int
		ok     bool
	}{
		{"1", 0, true},
		{"10", 9, true},
		{"11", 0, false},
		{"0", 0, false},
		{"U32", kindIndex(argval.U32), true},
		{"do", kindIndex(argval.Double), true},
		{"f", kindIndex(argval.Float), true},
		{"i", 0, false},
		{"i1", kindIndex(argval.I16), true},
		{"", 0, false},
		{"x", 0, false},
	} {
		got, ok := m.match(tc.answer)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("match(%q) = %d, %v; want %d, %v", tc.answer, got, ok, tc.want, tc.ok)
		}
	}

	c := m.complete("u")
	if strings.Join(c, ",") != "u16,u32,u64,u8" {
		t.Errorf("complete(u) = %v", c)
	}
	if c := newMenu(doneChoices).complete("Y"); len(c) != 1 || c[0] != "Yes" {
		t.Errorf("complete(Y) = %v", c)
	}
}

func TestScriptPrompter(t *testing.T) {
	script := `
primitive("i32", -5)
complex()
primitive("float", 1.5)
print("declared")
primitive("u16", "0x20")
`
	out := new(bytes.Buffer)
	p, err := NewScriptPrompter("args.star", script, out)
	if err != nil {
		t.Fatal(err)
	}
	args, err := CollectArguments(p, out)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, a := range args {
		got = append(got, a.String())
	}
	if want := "i32(-5) float(1.5) u16(32)"; strings.Join(got, " ") != want {
		t.Fatalf("got %v, want %s", got, want)
	}
	if !strings.Contains(out.String(), "declared") {
		t.Errorf("print output missing: %q", out.String())
	}
}

func TestScriptPrompterRejectsBadValues(t *testing.T) {
	for _, script := range []string{
		`primitive("i8", 200)`,
		`primitive("int", 1)`,
		`primitive("u8", [1])`,
		`primitive("u8")`,
		`complex(1)`,
	} {
		if _, err := NewScriptPrompter("bad.star", script, new(bytes.Buffer)); err == nil {
			t.Errorf("%s: expected an error", script)
		}
	}
}

func TestEmptyScriptAborts(t *testing.T) {
	p, err := NewScriptPrompter("empty.star", "", new(bytes.Buffer))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CollectArguments(p, new(bytes.Buffer)); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestPlainPrinter(t *testing.T) {
	buf := new(bytes.Buffer)
	p := NewPlainPrinter(buf)
	p.Errorf("launch: %s", "boom")
	p.Notef("ok")
	if got := buf.String(); got != "error: launch: boom\n> ok\n" {
		t.Fatalf("got %q", got)
	}
}
