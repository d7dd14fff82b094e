package build

import (
	"errors"
	"fmt"

	"github.com/cruciblehq/box/internal/recipe"
)

var (
	ErrBaseImageUnavailable  = errors.New("base image unavailable")
	ErrCommandFailed         = errors.New("command failed")
	ErrCommandTimeout        = errors.New("command timed out")
	ErrSourceNotFound        = errors.New("copy source not found")
	ErrCopy                  = errors.New("copy failed")
	ErrRecipeAlreadyComplete = errors.New("recipe already complete")
	ErrInvalidTransition     = errors.New("directive not allowed in current state")
	ErrFlattenAltered        = errors.New("flatten altered image contents")
	ErrCanceled              = errors.New("build canceled")
	ErrEngine                = errors.New("image engine error")
)

// Reports a run directive whose command exited with a non-zero status.
//
// Matches [ErrCommandFailed] under [errors.Is].
type CommandError struct {
	ExitCode int // Exit status reported by the engine.
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: exit code %d", ErrCommandFailed, e.ExitCode)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Attaches the failing directive to an execution error.
//
// Every error returned by [Run] is a DirectiveError except when the recipe
// could not be started at all.
type DirectiveError struct {
	Origin recipe.Origin // Position of the failing directive.
	Kind   recipe.Kind   // Kind of the failing directive.
	Err    error         // Underlying failure.
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Origin, e.Kind, e.Err)
}

func (e *DirectiveError) Unwrap() error {
	return e.Err
}

// Joins a sentinel with its cause so both match under [errors.Is].
func wrap(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}
