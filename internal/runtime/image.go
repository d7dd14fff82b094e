package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/leases"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/box/internal/build"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/identity"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest and config of a live state, read from the content store.
type loaded struct {
	state
	manifest ocispec.Manifest // Manifest of the state.
	config   ocispec.Image    // Image config of the state.
}

// Loads the manifest and config of a state.
//
// The returned context carries the lineage lease, so everything created
// with it belongs to the lineage.
func (rt *Runtime) load(ctx context.Context, h build.ImageHandle) (context.Context, *loaded, error) {
	st, err := rt.lookup(h)
	if err != nil {
		return nil, nil, err
	}

	ctx = leases.WithLease(ctx, st.lineage)
	cs := rt.client.ContentStore()

	manifest, err := readJSON[ocispec.Manifest](ctx, cs, st.manifest)
	if err != nil {
		return nil, nil, wrap(err)
	}

	config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
	if err != nil {
		return nil, nil, wrap(err)
	}

	if len(config.RootFS.DiffIDs) != len(manifest.Layers) {
		return nil, nil, fmt.Errorf("%w: %d layers, %d diff ids", ErrLayerMismatch, len(manifest.Layers), len(config.RootFS.DiffIDs))
	}

	return ctx, &loaded{state: st, manifest: manifest, config: config}, nil
}

// Writes a mutated copy of a state as a new state in the same lineage.
//
// The config and manifest are written as new blobs; the blobs of the source
// state are never modified.
func (rt *Runtime) derive(ctx context.Context, src *loaded, mutate func(*ocispec.Manifest, *ocispec.Image)) (build.ImageHandle, error) {
	manifest := src.manifest
	manifest.Layers = append([]ocispec.Descriptor(nil), src.manifest.Layers...)

	config := src.config
	config.RootFS.DiffIDs = append([]digest.Digest(nil), src.config.RootFS.DiffIDs...)
	config.History = append([]ocispec.History(nil), src.config.History...)

	mutate(&manifest, &config)

	configDesc, err := rt.writeBlob(ctx, manifest.Config.MediaType, config, content.WithLabels(rt.configGCLabels(config)))
	if err != nil {
		return "", wrap(err)
	}
	manifest.Config = configDesc

	manifestDesc, err := rt.writeBlob(ctx, src.state.manifest.MediaType, manifest, content.WithLabels(manifestGCLabels(manifest)))
	if err != nil {
		return "", wrap(err)
	}
	manifestDesc.Platform = src.state.manifest.Platform

	return rt.store(src.lineage, manifestDesc), nil
}

// Returns a history entry stamped with the current time.
func historyEntry(createdBy string, empty bool) ocispec.History {
	now := time.Now().UTC()
	return ocispec.History{
		Created:    &now,
		CreatedBy:  createdBy,
		EmptyLayer: empty,
	}
}

// Resolves the image root descriptor to a platform-specific manifest.
//
// If the root is an OCI Image Index, the index is read and walked to find
// the manifest matching the target platform.
//
// Some registries (notably Docker Hub) serve index entries without explicit
// platform metadata. When a descriptor lacks a platform field, the manifest
// and its config are read to extract the platform from the image config, the
// same fallback that containerd's images.Manifest uses internally.
func (rt *Runtime) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, ref string) (ocispec.Descriptor, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil
	}

	idx, err := readJSON[ocispec.Index](ctx, rt.client.ContentStore(), root)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s", ErrEmptyIndex, ref)
	}

	i, ok := rt.matchManifest(ctx, idx, platforms.OnlyStrict(rt.platform))
	if !ok {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s has no %s manifest", ErrNoPlatform, ref, platforms.Format(rt.platform))
	}
	return idx.Manifests[i], nil
}

// Searches the index for a manifest matching the given platform.
//
// Descriptors with an explicit platform field are checked first. If none
// match, descriptors without a platform field are probed by reading the
// image config to discover the platform.
func (rt *Runtime) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := rt.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Reads the image config referenced by a manifest descriptor and returns the
// platform it declares. Returns false when the config cannot be read.
func (rt *Runtime) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	cs := rt.client.ContentStore()

	manifest, err := readJSON[ocispec.Manifest](ctx, cs, desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Loads and decodes a JSON blob from the content store.
func readJSON[T any](ctx context.Context, provider content.Provider, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, provider, desc)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Serializes a value and writes it to the content store, returning the
// descriptor that references the stored blob.
func (rt *Runtime) writeBlob(ctx context.Context, mediaType string, v any, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	ref := "box-" + desc.Digest.Encoded()
	if err := content.WriteBlob(ctx, rt.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Computes containerd GC reference labels for a manifest's children.
//
// These labels allow containerd's garbage collector to trace reachability
// from the manifest blob to its config and layer blobs.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		key := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		labels[key] = layer.Digest.String()
	}
	return labels
}

// Computes the GC label tying a config blob to its unpacked snapshot chain,
// so committed images keep their snapshots once the lineage lease is gone.
func (rt *Runtime) configGCLabels(config ocispec.Image) map[string]string {
	if len(config.RootFS.DiffIDs) == 0 {
		return nil
	}
	return map[string]string{
		"containerd.io/gc.ref.snapshot." + rt.snapshotter: identity.ChainID(config.RootFS.DiffIDs).String(),
	}
}
