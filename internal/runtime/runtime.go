package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	goruntime "runtime"
	"sync"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/leases"
	"github.com/containerd/containerd/v2/core/snapshots"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/box/internal/build"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (

	// Snapshotter used when none is configured.
	defaultSnapshotter = "overlayfs"

	// OCI runtime shim for build containers.
	ociRuntime = "io.containerd.runc.v2"

	// Lifetime of a lineage lease. Bounds how long content of an abandoned
	// build survives garbage collection.
	leaseExpiration = 24 * time.Hour
)

// Image engine backed by containerd.
//
// Every lineage (the handles derived from one PullBase) is protected by its
// own content lease, so intermediate layers, snapshots, and blobs survive
// garbage collection until the lineage is committed or released.
type Runtime struct {
	client      *containerd.Client          // Containerd client.
	platform    ocispec.Platform            // Target platform of every build.
	snapshotter string                      // Snapshotter for build filesystems.
	output      io.Writer                   // Receives the output of run commands.
	mu          sync.Mutex                  // Guards states.
	states      map[build.ImageHandle]state // Live image states.
}

// One image state within a lineage.
type state struct {
	lineage  string             // Lease ID of the lineage.
	manifest ocispec.Descriptor // Platform manifest of the state.
}

// Configures a [Runtime].
type Option func(*options)

type options struct {
	platform    string
	snapshotter string
	output      io.Writer
}

// Sets the target platform (e.g., "linux/arm64"). Defaults to the host
// architecture. Foreign platforms need QEMU / binfmt_misc support.
func WithPlatform(platform string) Option {
	return func(o *options) {
		if platform != "" {
			o.platform = platform
		}
	}
}

// Sets the snapshotter. Defaults to overlayfs.
func WithSnapshotter(name string) Option {
	return func(o *options) {
		if name != "" {
			o.snapshotter = name
		}
	}
}

// Sets the writer receiving the stdout and stderr of run commands. Output is
// discarded by default.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.output = w
		}
	}
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string, opts ...Option) (*Runtime, error) {
	o := options{
		platform:    defaultPlatform(),
		snapshotter: defaultSnapshotter,
		output:      io.Discard,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p, err := platforms.Parse(o.platform)
	if err != nil {
		return nil, wrap(err)
	}

	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, wrap(err)
	}

	return &Runtime{
		client:      client,
		platform:    platforms.Normalize(p),
		snapshotter: o.snapshotter,
		output:      o.output,
		states:      make(map[build.ImageHandle]state),
	}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Pulls a base image for the target platform and starts a lineage.
//
// The pull runs under a fresh lease that stays with the lineage. The handle
// names the platform-specific manifest.
func (rt *Runtime) PullBase(ctx context.Context, ref string) (build.ImageHandle, error) {
	lease, err := rt.client.LeasesService().Create(ctx,
		leases.WithID("box-"+uuid.NewString()),
		leases.WithExpiration(leaseExpiration),
	)
	if err != nil {
		return "", wrap(err)
	}

	lctx := leases.WithLease(ctx, lease.ID)

	img, err := rt.client.Pull(lctx, ref, containerd.WithPlatformMatcher(platforms.Only(rt.platform)))
	if err != nil {
		rt.deleteLease(ctx, lease.ID)
		return "", wrap(err)
	}

	target, err := rt.resolveManifestDescriptor(lctx, img.Target(), ref)
	if err != nil {
		rt.deleteLease(ctx, lease.ID)
		return "", wrap(err)
	}

	slog.Debug("base image pulled", "ref", ref, "manifest", target.Digest, "lease", lease.ID)
	return rt.store(lease.ID, target), nil
}

// Stores the image under name and ends the lineage.
//
// Updates the image record if it already exists. The lineage lease is
// deleted afterwards; the image record keeps the committed content alive.
func (rt *Runtime) CommitAndTag(ctx context.Context, h build.ImageHandle, name string) (build.ImageHandle, error) {
	st, err := rt.lookup(h)
	if err != nil {
		return "", err
	}

	if err := rt.tagImage(leases.WithLease(ctx, st.lineage), name, st.manifest); err != nil {
		return "", wrap(err)
	}

	rt.endLineage(ctx, st.lineage)

	slog.Debug("image committed", "name", name, "manifest", st.manifest.Digest)
	return h, nil
}

// Drops the lineage of h and its lease.
func (rt *Runtime) Release(ctx context.Context, h build.ImageHandle) error {
	st, err := rt.lookup(h)
	if err != nil {
		return err
	}
	rt.endLineage(ctx, st.lineage)
	return nil
}

// Creates or updates an image record pointing at the manifest.
func (rt *Runtime) tagImage(ctx context.Context, name string, target ocispec.Descriptor) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   name,
		Target: target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}
	return nil
}

// Forgets every state of a lineage and deletes its lease.
func (rt *Runtime) endLineage(ctx context.Context, lineage string) {
	rt.mu.Lock()
	for h, st := range rt.states {
		if st.lineage == lineage {
			delete(rt.states, h)
		}
	}
	rt.mu.Unlock()

	rt.deleteLease(ctx, lineage)
}

// Deletes a lease, even when ctx is already cancelled.
func (rt *Runtime) deleteLease(ctx context.Context, id string) {
	err := rt.client.LeasesService().Delete(context.WithoutCancel(ctx), leases.Lease{ID: id})
	if err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete lease", "lease", id, "error", err)
	}
}

// Records a new state and returns its handle.
func (rt *Runtime) store(lineage string, manifest ocispec.Descriptor) build.ImageHandle {
	h := build.ImageHandle(lineage + "@" + manifest.Digest.String())

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.states[h] = state{lineage: lineage, manifest: manifest}
	return h
}

// Looks up a live state.
func (rt *Runtime) lookup(h build.ImageHandle) (state, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st, ok := rt.states[h]
	if !ok {
		return state{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return st, nil
}

// Returns the snapshotter used for build filesystems.
func (rt *Runtime) snapshots() snapshots.Snapshotter {
	return rt.client.SnapshotService(rt.snapshotter)
}

// Returns a unique key for a build snapshot, also used as container ID.
func snapshotKey(purpose string) string {
	return fmt.Sprintf("box-%s-%s", purpose, uuid.NewString())
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}

var (
	_ build.Engine    = (*Runtime)(nil)
	_ build.Inspector = (*Runtime)(nil)
	_ build.Releaser  = (*Runtime)(nil)
	_ build.Exporter  = (*Runtime)(nil)
)
