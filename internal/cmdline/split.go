// Package cmdline turns a single command string into an argv vector.
package cmdline

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnclosedQuote is returned when a quoted section never ends.
var ErrUnclosedQuote = errors.New("unclosed quote in command")

// Split breaks command into arguments using POSIX shell word rules:
// whitespace separates words, single quotes preserve everything literally,
// double quotes allow backslash escapes of `"`, `\`, `$` and backtick, and an
// unquoted backslash escapes the next character. No expansion is performed.
func Split(command string) ([]string, error) {
	var (
		args      []string
		current   strings.Builder
		inToken   bool
		quoteChar rune
	)

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quoteChar == '\'':
			if r == '\'' {
				quoteChar = 0
				continue
			}
			current.WriteRune(r)
		case quoteChar == '"':
			switch {
			case r == '"':
				quoteChar = 0
			case r == '\\' && i+1 < len(runes) && strings.ContainsRune("\"\\$`", runes[i+1]):
				i++
				current.WriteRune(runes[i])
			default:
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quoteChar = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				args = append(args, current.String())
				current.Reset()
				inToken = false
			}
		case r == '\\':
			inToken = true
			if i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
			}
		default:
			inToken = true
			current.WriteRune(r)
		}
	}

	if quoteChar != 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnclosedQuote, command)
	}
	if inToken {
		args = append(args, current.String())
	}
	return args, nil
}

// Join renders argv so that Split(Join(argv)) returns argv again.
func Join(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = quote(arg)
	}
	return strings.Join(quoted, " ")
}

func quote(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := strings.IndexFunc(arg, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("@%+=:,./-_", r))
	}) < 0
	if safe {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}
