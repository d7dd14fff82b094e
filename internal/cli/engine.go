package cli

import (
	"log/slog"
	"os"

	"github.com/cruciblehq/box/internal"
	"github.com/cruciblehq/box/internal/build"
	"github.com/cruciblehq/box/internal/memory"
	"github.com/cruciblehq/box/internal/runtime"
)

// Opens the image engine selected by the root flags.
//
// A dry run uses the in-memory engine, which accepts any base image and
// executes nothing. Otherwise a containerd runtime is connected. The returned
// function releases the engine.
func openEngine(dryRun bool) (build.Engine, func() error, error) {
	if dryRun {
		slog.Debug("using in-memory engine")
		return memory.New(), func() error { return nil }, nil
	}

	opts := []runtime.Option{
		runtime.WithPlatform(RootCmd.Platform),
		runtime.WithSnapshotter(RootCmd.Snapshotter),
	}
	if internal.IsVerbose() {
		opts = append(opts, runtime.WithOutput(os.Stderr))
	}

	rt, err := runtime.New(RootCmd.ContainerdAddress, RootCmd.Namespace, opts...)
	if err != nil {
		return nil, nil, err
	}

	slog.Debug("connected to containerd", "address", RootCmd.ContainerdAddress, "namespace", RootCmd.Namespace)
	return rt, rt.Close, nil
}
