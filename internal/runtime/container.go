package runtime

import (
	"context"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// A build container running on an active snapshot.
//
// The container exists only for the duration of one engine operation. Its
// primary process sleeps; commands are attached to it as execs.
type buildContainer struct {
	ctr  containerd.Container // Containerd container record.
	task containerd.Task      // Running long-lived task.
	key  string               // Active snapshot key, also the container ID.
}

// Creates a container on the active snapshot key and starts its task.
//
// The process environment and working directory come from the image config.
// The host network and resolv.conf are shared so run commands can fetch
// dependencies.
func (rt *Runtime) startContainer(ctx context.Context, key string, config ocispec.ImageConfig) (*buildContainer, error) {
	ctr, err := rt.client.NewContainer(ctx, key,
		containerd.WithSnapshotter(rt.snapshotter),
		containerd.WithSnapshot(key),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(platforms.Format(rt.platform)),
			withImageConfig(config),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs("sleep", "infinity"),
		),
	)
	if err != nil {
		return nil, err
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		ctr.Delete(ctx)
		return nil, err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		ctr.Delete(ctx)
		return nil, err
	}

	slog.Debug("build container started", "id", key)
	return &buildContainer{ctr: ctr, task: task, key: key}, nil
}

// Applies the image config's environment and working directory.
func withImageConfig(config ocispec.ImageConfig) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		if s.Process == nil {
			s.Process = &specs.Process{}
		}
		s.Process.Env = mergeEnv(s.Process.Env, config.Env)
		if config.WorkingDir != "" {
			s.Process.Cwd = config.WorkingDir
		}
		return nil
	}
}

// Kills the task and removes the container record.
//
// With keepSnapshot the active snapshot survives so its changes can be
// committed; otherwise it is removed along with the container.
func (c *buildContainer) remove(ctx context.Context, keepSnapshot bool) {
	c.task.Kill(ctx, syscall.SIGKILL)
	if _, err := c.task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete build task", "id", c.key, "error", err)
	}

	var opts []containerd.DeleteOpts
	if !keepSnapshot {
		opts = append(opts, containerd.WithSnapshotCleanup)
	}
	if err := c.ctr.Delete(ctx, opts...); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete build container", "id", c.key, "error", err)
	}
}
