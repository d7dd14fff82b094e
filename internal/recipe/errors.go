package recipe

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDirective    = errors.New("unknown directive")
	ErrArityMismatch       = errors.New("wrong number of arguments")
	ErrUnresolvedParameter = errors.New("unresolved parameter")
	ErrStructuralViolation = errors.New("invalid recipe structure")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrRecipeFile          = errors.New("cannot read recipe file")
)

// Describes why a recipe was rejected and where.
//
// Err is always one of the package sentinels, so callers classify with
// [errors.Is]. Word is the directive keyword as written, which may not be a
// known kind when Err is [ErrUnknownDirective].
type ParseError struct {
	Origin Origin // Position of the offending directive.
	Word   string // Directive keyword as written.
	Err    error  // Sentinel classifying the failure.
	Detail string // Human-readable explanation.
}

func (e *ParseError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Origin.Position == 0 && e.Origin.Line == 0 {
		return msg
	}
	if e.Word != "" {
		return fmt.Sprintf("%s (%s): %s", e.Origin, e.Word, msg)
	}
	return fmt.Sprintf("%s: %s", e.Origin, msg)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Creates a [ParseError] without position information. The parser fills in
// the origin and keyword once the failing directive is known.
func fail(sentinel error, format string, args ...any) error {
	return &ParseError{Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}
