package runtime

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/v2/core/diff"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/mount"
	"github.com/cruciblehq/box/internal/build"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Collapses all layers of an image into one.
//
// A read-only view of the full chain is diffed against an empty lower
// directory, which yields a single layer holding exactly the visible
// filesystem. The superseded layers are only unreferenced; containerd
// reclaims them once nothing else points at them.
func (rt *Runtime) Flatten(ctx context.Context, h build.ImageHandle) (build.ImageHandle, error) {
	ctx, src, err := rt.load(ctx, h)
	if err != nil {
		return "", err
	}

	chain, err := rt.unpack(ctx, src)
	if err != nil {
		return "", wrap(err)
	}

	sn := rt.snapshots()
	key := snapshotKey("flatten")

	mounts, err := sn.View(ctx, key, chain)
	if err != nil {
		return "", wrap(err)
	}
	defer sn.Remove(context.WithoutCancel(ctx), key)

	layer, err := rt.client.DiffService().Compare(ctx, []mount.Mount{}, mounts,
		diff.WithMediaType(ocispec.MediaTypeImageLayerGzip),
		diff.WithReference(key),
	)
	if err != nil {
		return "", wrap(err)
	}

	diffID, err := images.GetDiffID(ctx, rt.client.ContentStore(), layer)
	if err != nil {
		return "", wrap(err)
	}

	collapsed := len(src.manifest.Layers)
	return rt.derive(ctx, src, func(m *ocispec.Manifest, cfg *ocispec.Image) {
		m.Layers = []ocispec.Descriptor{layer}
		cfg.RootFS.DiffIDs = []digest.Digest{diffID}
		entry := historyEntry("flatten", false)
		entry.Comment = fmt.Sprintf("collapsed %d layers", collapsed)
		cfg.History = []ocispec.History{entry}
	})
}
