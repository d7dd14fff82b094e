package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/cruciblehq/box/internal/build"
)

// Shell used to run commands.
const shell = "/bin/sh"

// Sequence counter for generating unique exec process identifiers.
var execSeq uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", atomic.AddUint64(&execSeq, 1))
}

// Runs a shell command in a build container and records the result as a
// layer.
//
// The command runs as "/bin/sh -c command" with the image's environment and
// working directory. Its output goes to the runtime's output writer. A
// non-zero exit code discards the container's changes.
func (rt *Runtime) ExecCommand(ctx context.Context, h build.ImageHandle, command string) (build.ImageHandle, int, error) {
	return rt.addLayer(ctx, h, shell+" -c "+command, func(ctx context.Context, c *buildContainer) (int, error) {
		return c.exec(ctx, nil, rt.output, rt.output, shell, "-c", command)
	})
}

// Merges override env vars on top of a base env slice.
//
// Base order is kept; overridden keys stay in place and new keys are
// appended in override order. Entries without "=" are dropped.
func mergeEnv(base, overrides []string) []string {
	result := make([]string, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base)+len(overrides))

	for _, entry := range append(append([]string(nil), base...), overrides...) {
		k, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if i, seen := index[k]; seen {
			result[i] = entry
			continue
		}
		index[k] = len(result)
		result = append(result, entry)
	}
	return result
}

// Runs a process inside the container's task and returns its exit code.
//
// The process inherits the container's OCI process spec with args replaced.
// A non-zero exit code is not treated as an error; the caller decides.
func (c *buildContainer) exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) (int, error) {
	spec, err := c.ctr.Spec(ctx)
	if err != nil {
		return 0, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = args

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	// The shim holds both ends of the stdin FIFO open, so EOF has to be
	// forwarded explicitly once the reader is drained.
	var eof <-chan struct{}
	if stdin != nil {
		r := newEOFReader(stdin)
		stdin, eof = r, r.eof
	}

	process, err := c.task.Exec(ctx, nextExecID(), &pspec, cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, err
	}

	return awaitProcess(ctx, process, eof)
}

// Runs a command, failing with desc and captured stderr on a non-zero exit.
func (c *buildContainer) mustExec(ctx context.Context, desc string, stdin io.Reader, args ...string) error {
	var stderr bytes.Buffer
	code, err := c.exec(ctx, stdin, nil, &stderr, args...)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: %s failed with exit code %d (%s)", ErrRuntime, desc, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Starts an exec process, waits for it to exit, and returns the exit code.
//
// If eof is non-nil, the process stdin is closed when it fires. When ctx
// ends first the process is killed and ctx's error returned. The process is
// always deleted before returning.
func awaitProcess(ctx context.Context, process containerd.Process, eof <-chan struct{}) (int, error) {
	cleanup := context.WithoutCancel(ctx)

	statusC, err := process.Wait(cleanup)
	if err != nil {
		process.Delete(cleanup)
		return 0, err
	}

	if err := process.Start(ctx); err != nil {
		process.Delete(cleanup)
		return 0, err
	}

	if eof != nil {
		go func() {
			select {
			case <-eof:
				process.CloseIO(cleanup, containerd.WithStdinCloser)
			case <-ctx.Done():
			}
		}()
	}

	select {
	case exitStatus := <-statusC:
		process.Delete(cleanup)
		code, _, err := exitStatus.Result()
		if err != nil {
			return 0, err
		}
		return int(code), nil

	case <-ctx.Done():
		process.Kill(cleanup, syscall.SIGKILL)
		<-statusC
		process.Delete(cleanup)
		return -1, ctx.Err()
	}
}
