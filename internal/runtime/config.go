package runtime

import (
	"context"
	"fmt"
	"slices"

	"github.com/cruciblehq/box/internal/build"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Sets the image's entrypoint and clears its default arguments.
func (rt *Runtime) SetEntrypoint(ctx context.Context, h build.ImageHandle, argv []string) (build.ImageHandle, error) {
	ctx, src, err := rt.load(ctx, h)
	if err != nil {
		return "", err
	}

	return rt.derive(ctx, src, func(m *ocispec.Manifest, cfg *ocispec.Image) {
		cfg.Config.Entrypoint = slices.Clone(argv)
		cfg.Config.Cmd = nil
		cfg.History = append(cfg.History, historyEntry(fmt.Sprintf("ENTRYPOINT %q", argv), true))
	})
}
