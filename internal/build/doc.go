// Package build executes recipes against an image engine.
//
// A build session starts uninitialized, resolves its base image on the
// first directive, accumulates layers through run and copy, may flatten
// once, and ends committed when the tag directive stores the image:
//
//	uninitialized -> has-base -> building -> flattened -> committed
//
// Each directive maps to exactly one [Engine] operation. The executor never
// looks inside an [ImageHandle]; layer storage belongs to the engine. Copy
// sources are read from an afero filesystem rooted at the build context and
// streamed to the engine as tar archives.
//
// Execution is sequential and never retried. A failing directive aborts the
// build with a [*DirectiveError] carrying the directive's position, and the
// session is discarded rather than committed.
//
// Example usage:
//
//	r, err := recipe.Load("Boxfile", params)
//	if err != nil {
//	    return err
//	}
//
//	result, err := build.Run(ctx, engine, r, build.Options{
//	    Root:           ".",
//	    CommandTimeout: 10 * time.Minute,
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Tag)
package build
