package runtime

import (
	"context"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/snapshots"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/errdefs"
	"github.com/cruciblehq/box/internal/build"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/identity"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Work done inside a build container. Returns the exit code of the step.
type step func(ctx context.Context, c *buildContainer) (int, error)

// Runs a step in a build container and records its changes as a new layer.
//
// The image is unpacked if needed, an active snapshot is prepared on top of
// its chain, and a container with a sleeping task is started on it. After
// the step the task is stopped, the snapshot is diffed against its parent,
// and the result is committed under the extended chain ID. A failing step or
// a non-zero exit code removes the snapshot and yields no handle.
func (rt *Runtime) addLayer(ctx context.Context, h build.ImageHandle, createdBy string, run step) (build.ImageHandle, int, error) {
	ctx, src, err := rt.load(ctx, h)
	if err != nil {
		return "", 0, err
	}

	parent, err := rt.unpack(ctx, src)
	if err != nil {
		return "", 0, wrap(err)
	}

	sn := rt.snapshots()
	key := snapshotKey("layer")
	cleanup := context.WithoutCancel(ctx)

	if _, err := sn.Prepare(ctx, key, parent); err != nil {
		return "", 0, wrap(err)
	}

	c, err := rt.startContainer(ctx, key, src.config.Config)
	if err != nil {
		sn.Remove(cleanup, key)
		return "", 0, wrap(err)
	}

	code, err := run(ctx, c)
	if err != nil || code != 0 {
		c.remove(cleanup, false)
		return "", code, err
	}

	c.remove(cleanup, true)

	layer, diffID, err := rt.commitLayer(ctx, key, src.config.RootFS.DiffIDs)
	if err != nil {
		sn.Remove(cleanup, key)
		return "", 0, wrap(err)
	}

	next, err := rt.derive(ctx, src, func(m *ocispec.Manifest, cfg *ocispec.Image) {
		m.Layers = append(m.Layers, layer)
		cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, diffID)
		cfg.History = append(cfg.History, historyEntry(createdBy, false))
	})
	return next, 0, err
}

// Makes sure the snapshot chain of an image exists and returns its name.
//
// Layers already unpacked, by this lineage or any other, are reused.
func (rt *Runtime) unpack(ctx context.Context, src *loaded) (string, error) {
	if len(src.manifest.Layers) == 0 {
		return "", nil
	}

	layers := make([]rootfs.Layer, len(src.manifest.Layers))
	for i, blob := range src.manifest.Layers {
		layers[i] = rootfs.Layer{
			Blob: blob,
			Diff: ocispec.Descriptor{
				MediaType: ocispec.MediaTypeImageLayer,
				Digest:    src.config.RootFS.DiffIDs[i],
			},
		}
	}

	chain, err := rootfs.ApplyLayers(ctx, layers, rt.snapshots(), rt.client.DiffService())
	if err != nil {
		return "", err
	}
	return chain.String(), nil
}

// Diffs an active snapshot against its parent and commits it.
//
// The layer blob is written to the content store. The snapshot is committed
// under the chain ID of parents plus the new diff ID, the same name an
// unpack of the resulting image would produce. If another lineage already
// committed that chain, the active snapshot is dropped instead.
func (rt *Runtime) commitLayer(ctx context.Context, key string, parents []digest.Digest) (ocispec.Descriptor, digest.Digest, error) {
	sn := rt.snapshots()

	layer, err := rootfs.CreateDiff(ctx, key, sn, rt.client.DiffService())
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, rt.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	chain := identity.ChainID(append(append([]digest.Digest(nil), parents...), diffID))
	if err := commitSnapshot(ctx, sn, chain.String(), key); err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Commits an active snapshot, tolerating an existing snapshot of that name.
func commitSnapshot(ctx context.Context, sn snapshots.Snapshotter, name, key string) error {
	if err := sn.Commit(ctx, name, key); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		return sn.Remove(ctx, key)
	}
	return nil
}
