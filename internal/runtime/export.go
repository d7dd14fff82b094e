package runtime

import (
	"context"
	"log/slog"
	"os"

	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/platforms"
)

// Writes a committed image to an OCI archive at path.
//
// Only the manifest for the target platform is included. The image name is
// attached as the OCI reference annotation of the archive entry.
func (rt *Runtime) Export(ctx context.Context, name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return wrap(err)
	}
	defer f.Close()

	err = rt.client.Export(ctx, f,
		archive.WithImage(rt.client.ImageService(), name),
		archive.WithPlatform(platforms.Only(rt.platform)),
	)
	if err != nil {
		return wrap(err)
	}

	if err := f.Close(); err != nil {
		return wrap(err)
	}

	slog.Info("image exported", "name", name, "path", path)
	return nil
}
