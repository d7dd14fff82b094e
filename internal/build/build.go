package build

import (
	"context"
	"log/slog"
	"time"

	"github.com/cruciblehq/box/internal/recipe"
	"github.com/spf13/afero"
)

// Controls recipe execution.
type Options struct {
	Context        afero.Fs      // Build context for copy sources. Defaults to Root on the host filesystem.
	Root           string        // Host directory used as the build context when Context is nil. Defaults to ".".
	CommandTimeout time.Duration // Upper bound for each run directive. Zero means no limit.
	VerifyFlatten  bool          // Compare image contents around flatten when the engine supports it.
	Logger         *slog.Logger  // Logger for progress records. Defaults to [slog.Default].
}

// Returned after successful recipe execution.
type Result struct {
	Handle     ImageHandle // Final image state. Empty for untagged recipes, whose state is released.
	Tag        string      // Name the image was committed under; empty for untagged recipes.
	Session    string      // Identifier of the build session.
	Layers     int         // Number of entries in the layer history.
	Entrypoint []string    // Default command, if the recipe set one.
}

// Fills in defaults for unset options.
func (o Options) withDefaults() Options {
	if o.Context == nil {
		root := o.Root
		if root == "" {
			root = "."
		}
		o.Context = afero.NewBasePathFs(afero.NewOsFs(), root)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Executes a recipe against an image engine.
//
// Directives run strictly in order in a fresh session; the first failure
// aborts the build and is returned as a [*DirectiveError]. Nothing is ever
// retried. Cancellation of ctx is honoured between directives. A session
// that does not end with a tag is released if the engine is a [Releaser],
// so a failed build never leaves a tagged image behind. Run keeps no state
// across calls and may be called concurrently.
func Run(ctx context.Context, engine Engine, r *recipe.Recipe, opts Options) (*Result, error) {
	s := newSession(engine, opts.withDefaults())

	s.logger.Info("executing recipe",
		"base", r.Base(),
		"directives", r.Len(),
	)

	for _, d := range r.Directives() {
		if err := ctx.Err(); err != nil {
			s.discard(ctx)
			return nil, &DirectiveError{Origin: d.Where(), Kind: d.Kind(), Err: wrap(ErrCanceled, err)}
		}

		s.logger.Info(d.String(), "position", d.Where().Position)

		if err := s.apply(ctx, d); err != nil {
			s.logger.Debug("directive failed", "position", d.Where().Position, "state", s.state, "error", err)
			s.discard(ctx)
			return nil, &DirectiveError{Origin: d.Where(), Kind: d.Kind(), Err: err}
		}
	}

	result := s.result()
	if result.Tag == "" {
		s.discard(ctx)
		result.Handle = ""
	}

	s.logger.Info("recipe complete", "tag", result.Tag, "layers", result.Layers)
	return result, nil
}
