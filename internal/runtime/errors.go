package runtime

import (
	"errors"
	"fmt"
)

var (
	ErrRuntime       = errors.New("runtime error")
	ErrEmptyIndex    = errors.New("empty image index")
	ErrNoPlatform    = errors.New("no manifest for platform")
	ErrUnknownHandle = errors.New("unknown image handle")
	ErrLayerMismatch = errors.New("manifest layers do not match config diff ids")
)

// Marks err as a runtime failure.
func wrap(err error) error {
	if errors.Is(err, ErrRuntime) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRuntime, err)
}
