package runtime

import (
	"context"
	"io"

	"github.com/cruciblehq/box/internal/build"
)

// Extracts a tar stream into destDir inside the image as a new layer.
//
// The directory is created first, then the stream is piped to "tar xf - -C
// destDir" in a build container. The image must provide mkdir and tar.
func (rt *Runtime) CopyIn(ctx context.Context, h build.ImageHandle, archive io.Reader, destDir string) (build.ImageHandle, error) {
	next, _, err := rt.addLayer(ctx, h, "copy to "+destDir, func(ctx context.Context, c *buildContainer) (int, error) {
		if err := c.mustExec(ctx, "mkdir", nil, "mkdir", "-p", destDir); err != nil {
			return 0, err
		}
		return 0, c.mustExec(ctx, "tar extract", archive, "tar", "xf", "-", "-C", destDir)
	})
	return next, err
}
