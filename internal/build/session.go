package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/cruciblehq/box/internal/recipe"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Execution state of a build session.
type State int

const (
	StateUninitialized State = iota // No base image yet.
	StateHasBase                    // Base image pulled, nothing applied.
	StateBuilding                   // At least one layer added.
	StateFlattened                  // Layers collapsed by flatten.
	StateCommitted                  // Tagged; no further directives allowed.
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateHasBase:       "has-base",
	StateBuilding:      "building",
	StateFlattened:     "flattened",
	StateCommitted:     "committed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mutable state of one recipe execution.
//
// A session is owned by a single [Run] call. Directives are applied strictly
// in order, each against the handle left by the previous one. The session
// ends either committed (after tag) or discarded.
type session struct {
	id         string       // Unique session identifier.
	engine     Engine       // Image backend.
	opts       Options      // Execution options, defaults applied.
	logger     *slog.Logger // Logger scoped to the session.
	state      State        // Current position in the state machine.
	handle     ImageHandle  // Current image state.
	history    []string     // Directives that produced the current layers.
	entrypoint []string     // Default command set by cmd.
	flattened  bool         // Whether flatten has been applied.
	tag        string       // Name the image was committed under.
}

// Creates a session in the [StateUninitialized] state.
func newSession(engine Engine, opts Options) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		engine: engine,
		opts:   opts,
		logger: opts.Logger.With("session", id),
	}
}

// Applies a single directive, advancing the state machine.
func (s *session) apply(ctx context.Context, d recipe.Directive) error {
	if s.state == StateCommitted {
		return ErrRecipeAlreadyComplete
	}

	switch d := d.(type) {
	case recipe.From:
		return s.from(ctx, d)
	case recipe.Run:
		return s.run(ctx, d)
	case recipe.Copy:
		return s.copy(ctx, d)
	case recipe.Flatten:
		return s.flatten(ctx)
	case recipe.Cmd:
		return s.cmd(ctx, d)
	case recipe.Tag:
		return s.commit(ctx, d)
	}

	return fmt.Errorf("%w: unsupported directive %T", ErrInvalidTransition, d)
}

// Resolves the base image. Only legal as the first transition.
func (s *session) from(ctx context.Context, d recipe.From) error {
	if s.state != StateUninitialized {
		return fmt.Errorf("%w: base image already set (state %s)", ErrInvalidTransition, s.state)
	}

	h, err := s.engine.PullBase(ctx, d.Ref)
	if err != nil {
		return wrap(ErrBaseImageUnavailable, err)
	}

	s.handle = h
	s.history = append(s.history, d.String())
	s.state = StateHasBase
	return nil
}

// Runs a shell command, bounded by the command timeout.
func (s *session) run(ctx context.Context, d recipe.Run) error {
	if err := s.requireBase(); err != nil {
		return err
	}

	runCtx := ctx
	if s.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.CommandTimeout)
		defer cancel()
	}

	h, code, err := s.engine.ExecCommand(runCtx, s.handle, d.Command)

	// A deadline on the parent context is a cancellation, not a timeout.
	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrCommandTimeout, s.opts.CommandTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return wrap(ErrCanceled, ctx.Err())
		}
		return wrap(ErrEngine, err)
	}
	if code != 0 {
		return &CommandError{ExitCode: code}
	}

	s.handle = h
	s.history = append(s.history, d.String())
	s.state = StateBuilding
	return nil
}

// Streams a build context path into the image.
func (s *session) copy(ctx context.Context, d recipe.Copy) error {
	if err := s.requireBase(); err != nil {
		return err
	}

	src, err := resolveSource(s.opts.Context, d.Src)
	if err != nil {
		return err
	}

	destDir, name, err := splitDest(src, d.Dest)
	if err != nil {
		return err
	}

	s.logger.Debug("copy", "src", src.path, "dest", d.Dest, "dir", src.info.IsDir())

	pr, errc := streamSource(src, name)
	h, err := s.engine.CopyIn(ctx, s.handle, pr, destDir)

	// Unblock the writer if the engine stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	writeErr := <-errc

	if err != nil {
		if writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) {
			return wrap(ErrCopy, writeErr)
		}
		return wrap(ErrEngine, err)
	}
	if writeErr != nil {
		return wrap(ErrCopy, writeErr)
	}

	s.handle = h
	s.history = append(s.history, d.String())
	s.state = StateBuilding
	return nil
}

// Collapses the layers accumulated so far.
//
// When verification is enabled and the engine is an [Inspector], the visible
// contents before and after must be identical.
func (s *session) flatten(ctx context.Context) error {
	if err := s.requireBase(); err != nil {
		return err
	}
	if s.flattened {
		return fmt.Errorf("%w: image already flattened", ErrInvalidTransition)
	}

	inspector, verify := s.engine.(Inspector)
	verify = verify && s.opts.VerifyFlatten

	var before map[string]digest.Digest
	if verify {
		contents, err := inspector.Contents(ctx, s.handle)
		if err != nil {
			return wrap(ErrEngine, err)
		}
		before = contents
	}

	h, err := s.engine.Flatten(ctx, s.handle)
	if err != nil {
		return wrap(ErrEngine, err)
	}

	if verify {
		after, err := inspector.Contents(ctx, h)
		if err != nil {
			return wrap(ErrEngine, err)
		}
		if !maps.Equal(before, after) {
			return fmt.Errorf("%w: %d paths before, %d after", ErrFlattenAltered, len(before), len(after))
		}
		s.logger.Debug("flatten verified", "paths", len(before))
	}

	s.logger.Debug("flattened", "layers", len(s.history))

	s.handle = h
	s.history = []string{fmt.Sprintf("flatten (%d layers)", len(s.history))}
	s.flattened = true
	s.state = StateFlattened
	return nil
}

// Sets the default command. Does not change the state.
func (s *session) cmd(ctx context.Context, d recipe.Cmd) error {
	if err := s.requireBase(); err != nil {
		return err
	}

	h, err := s.engine.SetEntrypoint(ctx, s.handle, d.Argv)
	if err != nil {
		return wrap(ErrEngine, err)
	}

	s.handle = h
	s.entrypoint = slices.Clone(d.Argv)
	return nil
}

// Commits the image under the tag. Terminal.
func (s *session) commit(ctx context.Context, d recipe.Tag) error {
	if err := s.requireBase(); err != nil {
		return err
	}

	h, err := s.engine.CommitAndTag(ctx, s.handle, d.Name)
	if err != nil {
		return wrap(ErrEngine, err)
	}

	s.handle = h
	s.tag = d.Name
	s.state = StateCommitted
	return nil
}

// Fails unless a base image has been resolved.
func (s *session) requireBase() error {
	if s.state == StateUninitialized {
		return fmt.Errorf("%w: no base image", ErrInvalidTransition)
	}
	return nil
}

// Releases the lineage of an uncommitted session.
//
// Release runs even if ctx is already cancelled, since cancellation is one of
// the reasons a session gets discarded.
func (s *session) discard(ctx context.Context) {
	if s.state == StateUninitialized || s.state == StateCommitted {
		return
	}

	releaser, ok := s.engine.(Releaser)
	if !ok {
		return
	}

	if err := releaser.Release(context.WithoutCancel(ctx), s.handle); err != nil {
		s.logger.Warn("failed to release session", "handle", s.handle, "error", err)
		return
	}
	s.logger.Debug("session discarded", "state", s.state)
}

// Summarizes the session.
func (s *session) result() *Result {
	return &Result{
		Handle:     s.handle,
		Tag:        s.tag,
		Session:    s.id,
		Layers:     len(s.history),
		Entrypoint: slices.Clone(s.entrypoint),
	}
}
