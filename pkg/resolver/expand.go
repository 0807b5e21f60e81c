package resolver

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LookupFunc reports the value of an environment variable and whether it is
// set. os.LookupEnv is the default.
type LookupFunc func(name string) (string, bool)

// MissingVariableError reports a ${VAR} or ${VAR:?msg} reference to an unset
// variable.
type MissingVariableError struct {
	Name    string
	Message string
}

func (e *MissingVariableError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("variable %s is not set: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("variable %s is not set", e.Name)
}

// Expand substitutes variable references in s:
//
//	$$               a literal $
//	${VAR}           value of VAR, error when unset
//	${VAR:-default}  value of VAR, or default (itself expanded) when unset
//	${VAR:?message}  value of VAR, error carrying message when unset
//
// A variable that is set to the empty string counts as set. A $ not followed
// by { or $ is kept literally.
func Expand(s string, lookup LookupFunc) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case '$':
			b.WriteByte('$')
			i++
		case '{':
			end := matchingBrace(s, i+2)
			if end < 0 {
				return "", errors.Errorf("unterminated variable reference in %q", s)
			}
			value, err := expandReference(s[i+2:end], lookup)
			if err != nil {
				return "", err
			}
			b.WriteString(value)
			i = end
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// matchingBrace returns the index of the } closing a reference whose body
// starts at start, allowing nested references in defaults. An escaped $$
// never opens a nested reference.
func matchingBrace(s string, start int) int {
	depth := 1
	for j := start; j < len(s); j++ {
		switch {
		case s[j] == '$' && j+1 < len(s) && s[j+1] == '$':
			j++
		case s[j] == '$' && j+1 < len(s) && s[j+1] == '{':
			depth++
			j++
		case s[j] == '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func expandReference(body string, lookup LookupFunc) (string, error) {
	n := 0
	for n < len(body) && isNameByte(body[n], n == 0) {
		n++
	}
	name, rest := body[:n], body[n:]
	if name == "" {
		return "", errors.Errorf("invalid variable reference ${%s}", body)
	}

	value, ok := lookup(name)
	switch {
	case rest == "":
		if !ok {
			return "", &MissingVariableError{Name: name}
		}
		return value, nil
	case strings.HasPrefix(rest, ":-"):
		if ok {
			return value, nil
		}
		return Expand(rest[2:], lookup)
	case strings.HasPrefix(rest, ":?"):
		if !ok {
			return "", &MissingVariableError{Name: name, Message: rest[2:]}
		}
		return value, nil
	default:
		return "", errors.Errorf("unsupported variable reference ${%s}", body)
	}
}

func isNameByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return !first
	default:
		return false
	}
}
