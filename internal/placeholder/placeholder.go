// Package placeholder substitutes {name} tokens in step text before it reaches the supervisor.
package placeholder

import (
	"sort"
	"strings"
)

// TmpDir is the token replaced with the scenario's scratch directory.
const TmpDir = "tmpdir"

const contextPrefix = "context."

// Values maps token names to their replacements.
// Every name is also reachable as {context.<name>}.
type Values map[string]string

// Expand replaces every known {name} and {context.name} token in text.
// Unknown tokens are left untouched.
func (v Values) Expand(text string) string {
	if len(v) == 0 || !strings.Contains(text, "{") {
		return text
	}

	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names)*4)
	for _, name := range names {
		value := v[name]
		pairs = append(pairs,
			"{"+contextPrefix+name+"}", value,
			"{"+name+"}", value,
		)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// ExpandAll applies Expand to every element, returning a new slice.
func (v Values) ExpandAll(texts []string) []string {
	if texts == nil {
		return nil
	}
	expanded := make([]string, len(texts))
	for i, text := range texts {
		expanded[i] = v.Expand(text)
	}
	return expanded
}

// WithTmpDir returns Values holding only the tmpdir token.
func WithTmpDir(dir string) Values {
	return Values{TmpDir: dir}
}
