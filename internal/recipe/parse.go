package recipe

import (
	"errors"
	"maps"
	"path"
	"strings"

	"github.com/distribution/reference"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// Shell used for shell-form cmd directives.
const defaultShell = "/bin/sh"

// An unparsed directive as it appears in a recipe source.
type Raw struct {
	Line int    // Source line, or 0 when unknown.
	Text string // Directive keyword followed by its arguments.
}

// Parses a list of directive strings into a [Recipe].
//
// Each string holds one directive, e.g. "copy ./vendor /src/vendor". See
// [Parse] for the validation performed.
func ParseLines(lines []string, params map[string]string) (*Recipe, error) {
	raw := make([]Raw, len(lines))
	for i, text := range lines {
		raw[i] = Raw{Text: text}
	}
	return Parse(raw, params)
}

// Parses raw directives into a validated [Recipe].
//
// Parameter references are substituted in every argument before the
// directive is checked. Each directive must name a known kind and carry the
// arguments its kind requires; image references, shell commands, and copy
// destinations are validated. The recipe as a whole must start with a single
// from, hold at most one cmd and one flatten, and end with its tag if it has
// one. The first problem found is returned as a [*ParseError].
func Parse(raw []Raw, params map[string]string) (*Recipe, error) {
	if len(raw) == 0 {
		return nil, fail(ErrStructuralViolation, "recipe has no directives")
	}

	directives := make([]Directive, 0, len(raw))
	for i, r := range raw {
		d, err := parseDirective(Origin{Position: i + 1, Line: r.Line}, r.Text, params)
		if err != nil {
			return nil, err
		}
		directives = append(directives, d)
	}

	if err := validate(directives); err != nil {
		return nil, err
	}

	return &Recipe{directives: directives, params: maps.Clone(params)}, nil
}

// Parses a single directive, attaching origin and keyword to any error.
func parseDirective(origin Origin, text string, params map[string]string) (Directive, error) {
	word, rest := splitWord(text)

	kind, ok := ParseKind(word)
	if !ok {
		if word == "" {
			return nil, &ParseError{Origin: origin, Err: ErrUnknownDirective, Detail: "empty directive"}
		}
		return nil, &ParseError{Origin: origin, Word: word, Err: ErrUnknownDirective}
	}

	d, err := parseArgs(origin, kind, rest, params)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Origin = origin
			pe.Word = kind.String()
		}
		return nil, err
	}
	return d, nil
}

// Substitutes parameters and builds the directive for kind.
func parseArgs(origin Origin, kind Kind, args string, params map[string]string) (Directive, error) {
	args, err := substitute(args, params)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindFrom:
		ref, err := singleRef(args, false)
		if err != nil {
			return nil, err
		}
		return From{Origin: origin, Ref: ref}, nil

	case KindRun:
		command := strings.TrimSpace(args)
		if command == "" {
			return nil, fail(ErrArityMismatch, "expected a shell command")
		}
		if _, err := syntax.NewParser().Parse(strings.NewReader(command), "run"); err != nil {
			return nil, fail(ErrInvalidArgument, "shell syntax: %v", err)
		}
		return Run{Origin: origin, Command: command}, nil

	case KindCopy:
		fields := strings.Fields(args)
		if len(fields) != 2 {
			return nil, fail(ErrArityMismatch, "expected source and destination, got %d arguments", len(fields))
		}
		if !path.IsAbs(fields[1]) {
			return nil, fail(ErrInvalidArgument, "destination %q must be an absolute path", fields[1])
		}
		return Copy{Origin: origin, Src: fields[0], Dest: path.Clean(fields[1])}, nil

	case KindFlatten:
		if n := len(strings.Fields(args)); n != 0 {
			return nil, fail(ErrArityMismatch, "expected no arguments, got %d", n)
		}
		return Flatten{Origin: origin}, nil

	case KindCmd:
		command := strings.TrimSpace(args)
		if command == "" {
			return nil, fail(ErrArityMismatch, "expected a command")
		}
		argv, err := commandArgv(command)
		if err != nil {
			return nil, fail(ErrInvalidArgument, "shell syntax: %v", err)
		}
		return Cmd{Origin: origin, Command: command, Argv: argv}, nil

	case KindTag:
		name, err := singleRef(args, true)
		if err != nil {
			return nil, err
		}
		return Tag{Origin: origin, Name: name}, nil
	}

	return nil, fail(ErrUnknownDirective, "%s", kind)
}

// Checks the recipe-wide ordering and cardinality rules.
func validate(directives []Directive) error {
	violation := func(d Directive, format string, args ...any) error {
		err := fail(ErrStructuralViolation, format, args...).(*ParseError)
		err.Origin = d.Where()
		err.Word = d.Kind().String()
		return err
	}

	if first := directives[0]; first.Kind() != KindFrom {
		return violation(first, "recipe must start with from")
	}

	seen := make(map[Kind]int, len(kindNames))
	last := len(directives) - 1

	for i, d := range directives {
		seen[d.Kind()]++

		switch d.Kind() {
		case KindFrom:
			if i > 0 {
				return violation(d, "from is only allowed as the first directive")
			}
		case KindCmd:
			if seen[KindCmd] > 1 {
				return violation(d, "at most one cmd is allowed")
			}
		case KindFlatten:
			if seen[KindFlatten] > 1 {
				return violation(d, "at most one flatten is allowed")
			}
		case KindTag:
			if i != last {
				return violation(d, "tag must be the last directive")
			}
		}
	}

	return nil
}

// Parses exactly one image reference and normalizes it.
//
// Names without a tag get "latest". Tag names must not carry a digest since
// they name the image being produced.
func singleRef(args string, forTag bool) (string, error) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		return "", fail(ErrArityMismatch, "expected one image reference, got %d arguments", len(fields))
	}
	return NormalizeRef(fields[0], forTag)
}

// Normalizes an image reference to its fully qualified form.
//
// "alpine" becomes "docker.io/library/alpine:latest". When forTag is set,
// digested references are rejected.
func NormalizeRef(s string, forTag bool) (string, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return "", fail(ErrInvalidArgument, "image reference %q: %v", s, err)
	}
	if _, ok := named.(reference.Digested); ok && forTag {
		return "", fail(ErrInvalidArgument, "tag %q must not contain a digest", s)
	}
	return reference.TagNameOnly(named).String(), nil
}

// Splits off the leading keyword of a directive.
func splitWord(text string) (word, rest string) {
	text = strings.TrimSpace(text)
	i := strings.IndexAny(text, " \t")
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

// Converts a cmd directive into exec-form arguments.
//
// A single simple command made only of literal words becomes its words with
// quoting removed. Anything involving expansions, pipes, redirections, or
// multiple statements is wrapped in the shell.
func commandArgv(command string) ([]string, error) {
	f, err := syntax.NewParser().Parse(strings.NewReader(command), "cmd")
	if err != nil {
		return nil, err
	}

	if len(f.Stmts) == 1 {
		if call, ok := plainCall(f.Stmts[0]); ok {
			argv := make([]string, 0, len(call.Args))
			for _, w := range call.Args {
				lit, err := expand.Literal(nil, w)
				if err != nil {
					return nil, err
				}
				argv = append(argv, lit)
			}
			return argv, nil
		}
	}

	return []string{defaultShell, "-c", command}, nil
}

// Returns the call expression of stmt if it is a plain command with literal
// words only.
func plainCall(stmt *syntax.Stmt) (*syntax.CallExpr, bool) {
	if stmt.Negated || stmt.Background || stmt.Coprocess || len(stmt.Redirs) > 0 {
		return nil, false
	}
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok || len(call.Assigns) > 0 || len(call.Args) == 0 {
		return nil, false
	}
	for _, w := range call.Args {
		if !literalWord(w) {
			return nil, false
		}
	}
	return call, true
}

// Reports whether a word contains no expansions.
func literalWord(w *syntax.Word) bool {
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit, *syntax.SglQuoted:
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if _, ok := inner.(*syntax.Lit); !ok {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}
