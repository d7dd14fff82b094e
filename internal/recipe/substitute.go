package recipe

import (
	"regexp"
	"strings"
)

// Valid parameter names.
var paramName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Replaces ${name} references in s with parameter values.
//
// "$${" produces a literal "${". A "$" that is not followed by "{" is left
// alone, so shell variables such as $HOME or $$ reach the container shell
// untouched. References to undeclared parameters, invalid names, and
// unterminated references fail with [ErrUnresolvedParameter].
func substitute(s string, params map[string]string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "$${") {
			b.WriteString("${")
			i += 3
			continue
		}
		if !strings.HasPrefix(s[i:], "${") {
			b.WriteByte(s[i])
			i++
			continue
		}

		end := strings.IndexByte(s[i+2:], '}')
		if end < 0 {
			return "", fail(ErrUnresolvedParameter, "unterminated reference in %q", s[i:])
		}

		name := s[i+2 : i+2+end]
		if !paramName.MatchString(name) {
			return "", fail(ErrUnresolvedParameter, "invalid parameter name %q", name)
		}

		value, ok := params[name]
		if !ok {
			return "", fail(ErrUnresolvedParameter, "parameter %q is not defined", name)
		}

		b.WriteString(value)
		i += end + 3
	}

	return b.String(), nil
}

// Reports whether name can be declared as a parameter.
func validParamName(name string) bool {
	return paramName.MatchString(name)
}
