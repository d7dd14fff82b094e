package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/box/internal/build"
	"github.com/cruciblehq/box/internal/paths"
	"github.com/cruciblehq/box/internal/protocol"
	"github.com/cruciblehq/box/internal/recipe"
	"golang.org/x/sync/errgroup"
)

// Represents the 'box build' command.
type BuildCmd struct {
	Recipes       []string          `arg:"" name:"recipe" help:"Recipe files to build." type:"existingfile"`
	Params        map[string]string `short:"p" name:"param" mapsep:"none" help:"Set a recipe parameter. May be repeated." placeholder:"NAME=VALUE"`
	Context       string            `short:"C" help:"Build context for copy sources. Defaults to each recipe's directory." type:"existingdir"`
	Timeout       time.Duration     `short:"t" help:"Limit for each run directive (e.g., 10m). Zero means no limit."`
	Jobs          int               `short:"j" help:"Number of recipes built concurrently." default:"4"`
	DryRun        bool              `short:"n" help:"Simulate the build with an in-memory engine."`
	VerifyFlatten bool              `help:"Check that flatten preserves image contents."`
	Output        string            `short:"o" help:"Export the tagged image to an OCI archive." type:"path"`
	Remote        bool              `short:"r" help:"Run the build on the box daemon."`
}

// Rejects flag combinations that cannot be honoured.
func (c *BuildCmd) Validate() error {
	if c.Output != "" && len(c.Recipes) > 1 {
		return fmt.Errorf("%w: --output takes a single recipe", ErrUsage)
	}
	if c.Remote && (c.Output != "" || c.DryRun) {
		return fmt.Errorf("%w: --remote cannot be combined with --output or --dry-run", ErrUsage)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("%w: --jobs must be at least 1", ErrUsage)
	}
	return nil
}

// Executes the build command.
//
// Every recipe is built in its own session. Recipes are independent, so they
// run concurrently; the first failure cancels the others. For each recipe the
// committed tag, or the session of an untagged recipe, is printed in argument
// order.
func (c *BuildCmd) Run(ctx context.Context) error {
	var results []*build.Result
	var err error

	if c.Remote {
		results, err = c.buildRemote(ctx, protocol.NewClient(socketPath()))
	} else {
		results, err = c.buildLocal(ctx)
	}
	if err != nil {
		return err
	}

	for _, result := range results {
		fmt.Println(describe(result))
	}
	return nil
}

// Builds every recipe in this process.
func (c *BuildCmd) buildLocal(ctx context.Context) ([]*build.Result, error) {
	engine, closeEngine, err := openEngine(c.DryRun)
	if err != nil {
		return nil, err
	}
	defer closeEngine()

	results, err := c.buildAll(ctx, engine)
	if err != nil {
		return nil, err
	}

	if c.Output != "" {
		if err := export(ctx, engine, results[0], c.Output); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Builds every recipe against one engine, at most Jobs at a time.
func (c *BuildCmd) buildAll(ctx context.Context, engine build.Engine) ([]*build.Result, error) {
	results := make([]*build.Result, len(c.Recipes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Jobs)

	for i, path := range c.Recipes {
		g.Go(func() error {
			result, err := c.buildOne(ctx, engine, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Loads and executes a single recipe file.
func (c *BuildCmd) buildOne(ctx context.Context, engine build.Engine, path string) (*build.Result, error) {
	r, err := recipe.Load(path, c.Params)
	if err != nil {
		return nil, err
	}

	return build.Run(ctx, engine, r, build.Options{
		Root:           c.contextDir(path),
		CommandTimeout: c.Timeout,
		VerifyFlatten:  c.VerifyFlatten,
		Logger:         slog.Default().With("recipe", filepath.Base(path)),
	})
}

// Sends every recipe to the daemon.
//
// Recipe files are read locally and their source is sent over; the build
// context must be reachable from the daemon at the same absolute path.
func (c *BuildCmd) buildRemote(ctx context.Context, client *protocol.Client) ([]*build.Result, error) {
	results := make([]*build.Result, len(c.Recipes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Jobs)

	for i, path := range c.Recipes {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("%w: %w", recipe.ErrRecipeFile, err)
			}

			dir, err := filepath.Abs(c.contextDir(path))
			if err != nil {
				return err
			}

			res, err := client.Build(ctx, &protocol.BuildRequest{
				Recipe:        string(data),
				Format:        string(recipe.FormatFor(path)),
				Params:        c.Params,
				Context:       dir,
				Timeout:       protocol.Duration(c.Timeout),
				VerifyFlatten: c.VerifyFlatten,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			results[i] = &build.Result{
				Handle:  build.ImageHandle(res.Handle),
				Tag:     res.Tag,
				Session: res.Session,
				Layers:  res.Layers,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Returns the build context for a recipe file.
func (c *BuildCmd) contextDir(recipePath string) string {
	if c.Context != "" {
		return c.Context
	}
	return filepath.Dir(recipePath)
}

// Writes a committed image to an OCI archive.
func export(ctx context.Context, engine build.Engine, result *build.Result, path string) error {
	if result.Tag == "" {
		return fmt.Errorf("%w: recipe has no tag", ErrExport)
	}

	exporter, ok := engine.(build.Exporter)
	if !ok {
		return fmt.Errorf("%w: engine cannot export images", ErrExport)
	}

	if err := exporter.Export(ctx, result.Tag, path); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}

	slog.Info("image exported", "tag", result.Tag, "path", path)
	return nil
}

// Returns the line printed for a finished build.
//
// Untagged recipes leave no image behind, so only their session is named.
func describe(result *build.Result) string {
	if result.Tag != "" {
		return result.Tag
	}
	return fmt.Sprintf("(untagged, session %s)", result.Session)
}

// Returns the daemon socket path, honouring the root override.
func socketPath() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	return paths.Socket()
}
