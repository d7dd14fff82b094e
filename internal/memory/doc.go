// Package memory provides an in-process image engine.
//
// Images are stacks of layers mapping paths to files. Each engine operation
// produces a new image state and leaves the old one untouched, so handles
// behave like the content-addressed states of a real image store. Commands
// are not executed; a [Runner] decides what each run directive changes.
//
// The engine backs dry-run builds and tests. It satisfies [build.Engine],
// [build.Inspector], and [build.Releaser].
//
// Example usage:
//
//	engine := memory.New(
//	    memory.WithBase("alpine:3.19", map[string]string{"/etc/os-release": "alpine"}),
//	    memory.WithRunner(func(ctx context.Context, command string, view memory.View) (memory.Layer, int, error) {
//	        return memory.Layer{"/built": memory.NewFile("ok")}, 0, nil
//	    }),
//	)
//
//	result, err := build.Run(ctx, engine, r, build.Options{})
package memory
