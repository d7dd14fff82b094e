// Package runtime implements the build engine on containerd.
//
// A [Runtime] connects to a containerd daemon and satisfies the engine
// interfaces of package build. Base images are pulled for a single target
// platform. Each build lineage holds its own content lease, so layers,
// snapshots, and blobs written along the way survive garbage collection
// until the lineage is committed under a name or released.
//
// Run and copy steps execute in short-lived containers: an active snapshot
// is prepared on the image's chain, a task sleeping in it receives the
// command as an exec, and the snapshot is then diffed and committed as a new
// layer. Image state changes are written as new manifest and config blobs;
// existing blobs and image records are never modified until the final tag.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "box",
//	    runtime.WithPlatform("linux/amd64"),
//	    runtime.WithOutput(os.Stderr),
//	)
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	result, err := build.Run(ctx, rt, r, build.Options{})
//	if err != nil {
//	    return err
//	}
//
//	if err := rt.Export(ctx, result.Tag, "image.tar"); err != nil {
//	    return err
//	}
package runtime
