package memory

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"path"
	"slices"
	"sync"

	"github.com/cruciblehq/box/internal/build"
	"github.com/cruciblehq/box/internal/recipe"
	"github.com/opencontainers/go-digest"
)

// Decides the outcome of a run directive.
//
// The view is the image's filesystem before the command. The returned layer
// holds the command's changes; it is ignored when the exit code is non-zero.
type Runner func(ctx context.Context, command string, view View) (Layer, int, error)

// One immutable image state.
type image struct {
	lineage    int      // Identifies the PullBase this state descends from.
	layers     []Layer  // Layer stack, bottom first.
	entrypoint []string // Default command.
}

// In-process image engine.
//
// Safe for concurrent use. Every handle stays valid until its lineage is
// released; committed images are never released.
type Engine struct {
	mu       sync.Mutex
	bases    map[string]Layer             // Known base images by normalized ref.
	images   map[build.ImageHandle]*image // Live image states.
	tagged   map[string]build.ImageHandle // Committed images by name.
	next     int                          // Last issued handle number.
	lineages int                          // Last issued lineage number.
	runner   Runner                       // Outcome of run directives.
	logger   *slog.Logger                 // Logger for command records.
}

// Configures an [Engine].
type Option func(*Engine)

// Registers a base image. Once any base is registered, pulling an unknown
// reference fails with [ErrImageNotFound].
func WithBase(ref string, files map[string]string) Option {
	return func(e *Engine) {
		layer := make(Layer, len(files))
		for p, content := range files {
			layer[path.Clean("/"+p)] = NewFile(content)
		}
		e.bases[normalize(ref)] = layer
	}
}

// Sets the function deciding the outcome of run directives.
func WithRunner(r Runner) Option {
	return func(e *Engine) {
		e.runner = r
	}
}

// Sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Creates an engine. Without a runner, every command succeeds and changes
// nothing.
func New(opts ...Option) *Engine {
	e := &Engine{
		bases:  make(map[string]Layer),
		images: make(map[build.ImageHandle]*image),
		tagged: make(map[string]build.ImageHandle),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runner == nil {
		e.runner = e.skip
	}
	return e
}

// Default runner. Records the command and reports success.
func (e *Engine) skip(ctx context.Context, command string, view View) (Layer, int, error) {
	e.logger.Debug("command not executed", "command", command)
	return Layer{}, 0, nil
}

// Resolves a base image and starts a new lineage.
func (e *Engine) PullBase(ctx context.Context, ref string) (build.ImageHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var layers []Layer
	if len(e.bases) > 0 {
		base, ok := e.bases[normalize(ref)]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		layers = []Layer{maps.Clone(base)}
	}

	e.lineages++
	return e.store(&image{lineage: e.lineages, layers: layers}), nil
}

// Runs a command through the runner and stacks its changes.
func (e *Engine) ExecCommand(ctx context.Context, h build.ImageHandle, command string) (build.ImageHandle, int, error) {
	img, err := e.lookup(h)
	if err != nil {
		return "", 0, err
	}

	layer, code, err := e.runner(ctx, command, merge(img.layers))
	if err != nil {
		return "", 0, err
	}
	if code != 0 {
		return "", code, nil
	}
	if layer == nil {
		layer = Layer{}
	}

	return e.derive(img, layer), 0, nil
}

// Extracts a tar stream into destDir as a new layer.
func (e *Engine) CopyIn(ctx context.Context, h build.ImageHandle, archive io.Reader, destDir string) (build.ImageHandle, error) {
	img, err := e.lookup(h)
	if err != nil {
		return "", err
	}

	layer, err := extract(archive, destDir)
	if err != nil {
		return "", err
	}

	return e.derive(img, layer), nil
}

// Merges the layer stack into one layer.
func (e *Engine) Flatten(ctx context.Context, h build.ImageHandle) (build.ImageHandle, error) {
	img, err := e.lookup(h)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.store(&image{
		lineage:    img.lineage,
		layers:     []Layer{merge(img.layers).layer()},
		entrypoint: img.entrypoint,
	}), nil
}

// Sets the default command without adding a layer.
func (e *Engine) SetEntrypoint(ctx context.Context, h build.ImageHandle, argv []string) (build.ImageHandle, error) {
	img, err := e.lookup(h)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.store(&image{
		lineage:    img.lineage,
		layers:     img.layers,
		entrypoint: slices.Clone(argv),
	}), nil
}

// Records the image under name, replacing any previous image of that name.
func (e *Engine) CommitAndTag(ctx context.Context, h build.ImageHandle, name string) (build.ImageHandle, error) {
	if _, err := e.lookup(h); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tagged[normalize(name)] = h
	return h, nil
}

// Drops every untagged state in the lineage of h.
func (e *Engine) Release(ctx context.Context, h build.ImageHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	img, ok := e.images[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	kept := make(map[build.ImageHandle]bool, len(e.tagged))
	for _, t := range e.tagged {
		kept[t] = true
	}

	for handle, other := range e.images {
		if other.lineage == img.lineage && !kept[handle] {
			delete(e.images, handle)
		}
	}
	return nil
}

// Returns the digest of every visible path.
func (e *Engine) Contents(ctx context.Context, h build.ImageHandle) (map[string]digest.Digest, error) {
	view, err := e.Files(h)
	if err != nil {
		return nil, err
	}

	out := make(map[string]digest.Digest, len(view))
	for p, f := range view {
		out[p] = f.digest()
	}
	return out, nil
}

// Returns the merged filesystem of an image.
func (e *Engine) Files(h build.ImageHandle) (View, error) {
	img, err := e.lookup(h)
	if err != nil {
		return nil, err
	}
	return merge(img.layers), nil
}

// Returns the number of layers in an image.
func (e *Engine) LayerCount(h build.ImageHandle) (int, error) {
	img, err := e.lookup(h)
	if err != nil {
		return 0, err
	}
	return len(img.layers), nil
}

// Returns the default command of an image.
func (e *Engine) Entrypoint(h build.ImageHandle) ([]string, error) {
	img, err := e.lookup(h)
	if err != nil {
		return nil, err
	}
	return slices.Clone(img.entrypoint), nil
}

// Returns the handle committed under name.
func (e *Engine) Tagged(name string) (build.ImageHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.tagged[normalize(name)]
	return h, ok
}

// Returns the number of live image states.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.images)
}

// Looks up a live image state.
func (e *Engine) lookup(h build.ImageHandle) (*image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	img, ok := e.images[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return img, nil
}

// Stores a new state on top of img with one more layer.
func (e *Engine) derive(img *image, layer Layer) build.ImageHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	layers := append(slices.Clip(img.layers), layer)
	return e.store(&image{
		lineage:    img.lineage,
		layers:     layers,
		entrypoint: img.entrypoint,
	})
}

// Issues a handle for img. The caller must hold e.mu.
func (e *Engine) store(img *image) build.ImageHandle {
	e.next++
	h := build.ImageHandle(fmt.Sprintf("memory:%d", e.next))
	e.images[h] = img
	return h
}

// Reads a tar stream into a layer rooted at destDir.
func extract(archive io.Reader, destDir string) (Layer, error) {
	layer := make(Layer)
	tr := tar.NewReader(archive)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrArchive, err)
		}

		name := path.Join("/", destDir, hdr.Name)
		if name == "/" {
			continue
		}
		mode := fs.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			layer[name] = &File{Mode: fs.ModeDir | mode}
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrArchive, err)
			}
			layer[name] = &File{Content: data, Mode: mode}
		case tar.TypeSymlink:
			layer[name] = &File{Content: []byte(hdr.Linkname), Mode: fs.ModeSymlink | mode}
		}
	}

	// Consume trailing padding so the writer never blocks.
	if _, err := io.Copy(io.Discard, archive); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	return layer, nil
}

// Normalizes an image reference, leaving unparsable input unchanged.
func normalize(ref string) string {
	if n, err := recipe.NormalizeRef(ref, false); err == nil {
		return n
	}
	return ref
}

var (
	_ build.Engine    = (*Engine)(nil)
	_ build.Inspector = (*Engine)(nil)
	_ build.Releaser  = (*Engine)(nil)
)
