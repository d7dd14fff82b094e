package build

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
)

// Opaque reference to an image state issued by an [Engine].
//
// Only the engine that issued a handle can interpret it. The executor never
// inspects or aliases handles outside the session that received them.
type ImageHandle string

// Image backend used by the executor.
//
// Each operation takes the current handle and returns the handle of the
// resulting image state. Implementations must keep the handle lineages of
// concurrent sessions independent. Layer storage and content addressing are
// entirely the engine's concern.
type Engine interface {

	// Resolves a base image reference. The returned handle starts a new
	// lineage.
	PullBase(ctx context.Context, ref string) (ImageHandle, error)

	// Runs a shell command inside the image, producing a new layer.
	//
	// A non-zero exit code is reported with a nil error; the returned handle
	// is then meaningless. Errors are reserved for failures to run the
	// command at all.
	ExecCommand(ctx context.Context, h ImageHandle, command string) (ImageHandle, int, error)

	// Extracts a tar stream into destDir inside the image, producing a new
	// layer.
	CopyIn(ctx context.Context, h ImageHandle, archive io.Reader, destDir string) (ImageHandle, error)

	// Collapses all layers into one. The visible filesystem must not change.
	Flatten(ctx context.Context, h ImageHandle) (ImageHandle, error)

	// Sets the default command of the image. Does not add a layer.
	SetEntrypoint(ctx context.Context, h ImageHandle, argv []string) (ImageHandle, error)

	// Stores the image under name and ends the lineage.
	CommitAndTag(ctx context.Context, h ImageHandle, name string) (ImageHandle, error)
}

// Implemented by engines that can list the visible filesystem of an image.
//
// The executor uses it to check that flatten preserves contents.
type Inspector interface {
	Contents(ctx context.Context, h ImageHandle) (map[string]digest.Digest, error)
}

// Implemented by engines that hold resources for uncommitted lineages.
//
// Release is called with the last handle of a session that ends without a
// tag, whether it failed or not.
type Releaser interface {
	Release(ctx context.Context, h ImageHandle) error
}

// Implemented by engines that can write a committed image to an OCI archive.
type Exporter interface {
	Export(ctx context.Context, name, path string) error
}
