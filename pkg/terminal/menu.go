package terminal

import (
	"sort"
	"strconv"
	"strings"

	"github.com/derekparker/trie"
)

// menu resolves answers to a list of choices: a 1-based number, or a
// case-insensitive unique prefix of a choice.
type menu struct {
	choices []string
	t       *trie.Trie
}

func newMenu(choices []string) *menu {
	m := &menu{choices: choices, t: trie.New()}
	for i, c := range choices {
		m.t.Add(strings.ToLower(c), i)
	}
	return m
}

func (m *menu) match(answer string) (int, bool) {
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(answer); err == nil {
		if n < 1 || n > len(m.choices) {
			return 0, false
		}
		return n - 1, true
	}
	if node, ok := m.t.Find(answer); ok {
		return node.Meta().(int), true
	}
	keys := m.t.PrefixSearch(answer)
	if len(keys) != 1 {
		return 0, false
	}
	node, _ := m.t.Find(keys[0])
	return node.Meta().(int), true
}

// complete returns the choices line is a prefix of.
func (m *menu) complete(line string) []string {
	keys := m.t.PrefixSearch(strings.ToLower(line))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		node, _ := m.t.Find(k)
		out = append(out, m.choices[node.Meta().(int)])
	}
	sort.Strings(out)
	return out
}
