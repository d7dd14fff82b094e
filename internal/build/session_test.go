package build

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cruciblehq/box/internal/recipe"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// Engine double that records every call and returns scripted results.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	handles  int
	exitCode int           // Exit code returned by ExecCommand.
	execErr  error         // Error returned by ExecCommand.
	execWait bool          // Block ExecCommand until its context is done.
	pullErr  error         // Error returned by PullBase.
	copied   []string      // Archive entry names seen by CopyIn.
	released []ImageHandle // Handles passed to Release.
	contents map[string]digest.Digest
	alter    bool // Make Contents differ after flatten.
}

func (r *recorder) record(call string) ImageHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	r.handles++
	return ImageHandle(fmt.Sprintf("h%d", r.handles))
}

func (r *recorder) PullBase(ctx context.Context, ref string) (ImageHandle, error) {
	h := r.record("pullBase")
	if r.pullErr != nil {
		return "", r.pullErr
	}
	return h, nil
}

func (r *recorder) ExecCommand(ctx context.Context, h ImageHandle, command string) (ImageHandle, int, error) {
	next := r.record("execCommand")
	if r.execWait {
		<-ctx.Done()
		return "", -1, ctx.Err()
	}
	if r.execErr != nil {
		return "", 0, r.execErr
	}
	return next, r.exitCode, nil
}

func (r *recorder) CopyIn(ctx context.Context, h ImageHandle, archive io.Reader, destDir string) (ImageHandle, error) {
	next := r.record("copyIn")
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.copied = append(r.copied, destDir+":"+hdr.Name)
		r.mu.Unlock()
	}
	return next, nil
}

func (r *recorder) Flatten(ctx context.Context, h ImageHandle) (ImageHandle, error) {
	return r.record("flatten"), nil
}

func (r *recorder) SetEntrypoint(ctx context.Context, h ImageHandle, argv []string) (ImageHandle, error) {
	return r.record("setEntrypoint"), nil
}

func (r *recorder) CommitAndTag(ctx context.Context, h ImageHandle, name string) (ImageHandle, error) {
	return r.record("commitAndTag"), nil
}

func (r *recorder) Release(ctx context.Context, h ImageHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, h)
	return nil
}

func (r *recorder) Contents(ctx context.Context, h ImageHandle) (map[string]digest.Digest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]digest.Digest, len(r.contents))
	for k, v := range r.contents {
		out[k] = v
	}
	if r.alter && slices.Contains(r.calls, "flatten") {
		out["/extra"] = digest.FromString("extra")
	}
	return out, nil
}

func (r *recorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func mustParse(t *testing.T, lines ...string) *recipe.Recipe {
	t.Helper()
	r, err := recipe.ParseLines(lines, nil)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	return r
}

func quietOptions() Options {
	return Options{
		Context: afero.NewMemMapFs(),
		Logger:  slog.New(slog.DiscardHandler),
	}
}

func TestRunScenarioSucceeds(t *testing.T) {
	engine := &recorder{}
	r := mustParse(t, "from base:1.0", "run echo hi", "tag out:1")

	result, err := Run(context.Background(), engine, r, quietOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"pullBase", "execCommand", "commitAndTag"}
	if got := engine.recorded(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if result.Tag != "docker.io/library/out:1" {
		t.Errorf("Tag = %q, want %q", result.Tag, "docker.io/library/out:1")
	}
	if result.Handle != "h3" {
		t.Errorf("Handle = %q, want %q", result.Handle, "h3")
	}
	if result.Session == "" {
		t.Error("Session is empty")
	}
	if len(engine.released) != 0 {
		t.Errorf("released = %v, want none", engine.released)
	}
}

func TestRunScenarioCommandFails(t *testing.T) {
	engine := &recorder{exitCode: 1}
	r := mustParse(t, "from base:1.0", "run echo hi", "tag out:1")

	result, err := Run(context.Background(), engine, r, quietOptions())
	if result != nil {
		t.Fatalf("result = %+v, want nil", result)
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if cmdErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", cmdErr.ExitCode)
	}
	if !errors.Is(err, ErrCommandFailed) {
		t.Errorf("error %v does not match ErrCommandFailed", err)
	}

	var dirErr *DirectiveError
	if !errors.As(err, &dirErr) {
		t.Fatalf("error = %v, want *DirectiveError", err)
	}
	if dirErr.Origin.Position != 2 || dirErr.Kind != recipe.KindRun {
		t.Errorf("failing directive = %d (%s), want 2 (run)", dirErr.Origin.Position, dirErr.Kind)
	}

	want := []string{"pullBase", "execCommand"}
	if got := engine.recorded(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !slices.Equal(engine.released, []ImageHandle{"h1"}) {
		t.Errorf("released = %v, want [h1]", engine.released)
	}
}

func TestRunPreservesOrder(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/main.go", []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine := &recorder{}
	r := mustParse(t,
		"from base:1.0",
		"copy main.go /src/main.go",
		"run go build",
		"cmd /app",
		"run rm -rf /src",
		"flatten",
		"tag out:1",
	)

	opts := quietOptions()
	opts.Context = fsys

	result, err := Run(context.Background(), engine, r, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"pullBase", "copyIn", "execCommand", "setEntrypoint", "execCommand", "flatten", "commitAndTag"}
	if got := engine.recorded(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !slices.Equal(engine.copied, []string{"/src:main.go"}) {
		t.Errorf("copied = %v, want [/src:main.go]", engine.copied)
	}
	if result.Layers != 1 {
		t.Errorf("Layers = %d, want 1", result.Layers)
	}
	if !slices.Equal(result.Entrypoint, []string{"/app"}) {
		t.Errorf("Entrypoint = %v, want [/app]", result.Entrypoint)
	}
}

func TestRunBaseImageUnavailable(t *testing.T) {
	engine := &recorder{pullErr: errors.New("not found")}
	r := mustParse(t, "from base:1.0", "run true", "tag out:1")

	_, err := Run(context.Background(), engine, r, quietOptions())
	if !errors.Is(err, ErrBaseImageUnavailable) {
		t.Fatalf("error = %v, want %v", err, ErrBaseImageUnavailable)
	}
	if got := engine.recorded(); !slices.Equal(got, []string{"pullBase"}) {
		t.Errorf("calls = %v, want [pullBase]", got)
	}
	if len(engine.released) != 0 {
		t.Errorf("released = %v, want none", engine.released)
	}
}

func TestRunSourceNotFound(t *testing.T) {
	engine := &recorder{}
	r := mustParse(t, "from base:1.0", "copy missing /opt/missing", "tag out:1")

	_, err := Run(context.Background(), engine, r, quietOptions())
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("error = %v, want %v", err, ErrSourceNotFound)
	}
	if got := engine.recorded(); !slices.Equal(got, []string{"pullBase"}) {
		t.Errorf("calls = %v, want [pullBase]", got)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	engine := &recorder{execWait: true}
	r := mustParse(t, "from base:1.0", "run sleep 60", "tag out:1")

	opts := quietOptions()
	opts.CommandTimeout = 10 * time.Millisecond

	_, err := Run(context.Background(), engine, r, opts)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("error = %v, want %v", err, ErrCommandTimeout)
	}
	if slices.Contains(engine.recorded(), "commitAndTag") {
		t.Error("commitAndTag called after timeout")
	}
}

func TestRunCanceledDuringCommand(t *testing.T) {
	engine := &recorder{execWait: true}
	r := mustParse(t, "from base:1.0", "run sleep 60", "tag out:1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	opts := quietOptions()
	opts.CommandTimeout = time.Hour

	_, err := Run(ctx, engine, r, opts)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("error = %v, want %v", err, ErrCanceled)
	}
	if errors.Is(err, ErrCommandTimeout) {
		t.Errorf("cancellation reported as timeout: %v", err)
	}
}

func TestRunCanceledBeforeStart(t *testing.T) {
	engine := &recorder{}
	r := mustParse(t, "from base:1.0", "tag out:1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, engine, r, quietOptions())
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want %v wrapping %v", err, ErrCanceled, context.Canceled)
	}
	if got := engine.recorded(); len(got) != 0 {
		t.Errorf("calls = %v, want none", got)
	}
}

func TestRunEngineError(t *testing.T) {
	engine := &recorder{execErr: errors.New("task exited unexpectedly")}
	r := mustParse(t, "from base:1.0", "run true", "tag out:1")

	_, err := Run(context.Background(), engine, r, quietOptions())
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("error = %v, want %v", err, ErrEngine)
	}
	if !slices.Equal(engine.released, []ImageHandle{"h1"}) {
		t.Errorf("released = %v, want [h1]", engine.released)
	}
}

func TestRunWithoutTagReleases(t *testing.T) {
	engine := &recorder{}
	r := mustParse(t, "from base:1.0", "run true")

	result, err := Run(context.Background(), engine, r, quietOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Tag != "" {
		t.Errorf("Tag = %q, want empty", result.Tag)
	}
	if !slices.Equal(engine.released, []ImageHandle{"h2"}) {
		t.Errorf("released = %v, want [h2]", engine.released)
	}
	if result.Handle != "" {
		t.Errorf("Handle = %q, want empty", result.Handle)
	}
}

func TestRunVerifyFlatten(t *testing.T) {
	tests := []struct {
		name    string
		alter   bool
		wantErr error
	}{
		{name: "preserved"},
		{name: "altered", alter: true, wantErr: ErrFlattenAltered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &recorder{
				alter:    tt.alter,
				contents: map[string]digest.Digest{"/bin/app": digest.FromString("app")},
			}
			r := mustParse(t, "from base:1.0", "run true", "flatten", "tag out:1")

			opts := quietOptions()
			opts.VerifyFlatten = true

			_, err := Run(context.Background(), engine, r, opts)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Run: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSessionRejectsDirectiveAfterCommit(t *testing.T) {
	s := newSession(&recorder{}, quietOptions())
	ctx := context.Background()

	for _, d := range mustParse(t, "from base:1.0", "tag out:1").Directives() {
		if err := s.apply(ctx, d); err != nil {
			t.Fatalf("apply(%s): %v", d, err)
		}
	}
	if s.state != StateCommitted {
		t.Fatalf("state = %s, want %s", s.state, StateCommitted)
	}

	err := s.apply(ctx, recipe.Run{Command: "true"})
	if !errors.Is(err, ErrRecipeAlreadyComplete) {
		t.Fatalf("error = %v, want %v", err, ErrRecipeAlreadyComplete)
	}
}

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		name    string
		steps   []recipe.Directive
		want    State
		wantErr error
	}{
		{
			name:  "base only",
			steps: []recipe.Directive{recipe.From{Ref: "base"}},
			want:  StateHasBase,
		},
		{
			name:  "cmd keeps state",
			steps: []recipe.Directive{recipe.From{Ref: "base"}, recipe.Cmd{Argv: []string{"/app"}}},
			want:  StateHasBase,
		},
		{
			name:  "run builds",
			steps: []recipe.Directive{recipe.From{Ref: "base"}, recipe.Run{Command: "true"}},
			want:  StateBuilding,
		},
		{
			name:  "flatten from base",
			steps: []recipe.Directive{recipe.From{Ref: "base"}, recipe.Flatten{}},
			want:  StateFlattened,
		},
		{
			name:  "run after flatten",
			steps: []recipe.Directive{recipe.From{Ref: "base"}, recipe.Flatten{}, recipe.Run{Command: "true"}},
			want:  StateBuilding,
		},
		{
			name:    "run without base",
			steps:   []recipe.Directive{recipe.Run{Command: "true"}},
			want:    StateUninitialized,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "second from",
			steps:   []recipe.Directive{recipe.From{Ref: "base"}, recipe.From{Ref: "other"}},
			want:    StateHasBase,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "second flatten",
			steps:   []recipe.Directive{recipe.From{Ref: "base"}, recipe.Flatten{}, recipe.Flatten{}},
			want:    StateFlattened,
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(&recorder{}, quietOptions())

			var err error
			for _, d := range tt.steps {
				if err = s.apply(context.Background(), d); err != nil {
					break
				}
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if s.state != tt.want {
				t.Errorf("state = %s, want %s", s.state, tt.want)
			}
		})
	}
}

func TestDirectiveErrorMessage(t *testing.T) {
	err := &DirectiveError{
		Origin: recipe.Origin{Position: 2, Line: 5},
		Kind:   recipe.KindRun,
		Err:    &CommandError{ExitCode: 3},
	}

	want := "directive 2 (line 5) (run): command failed: exit code 3"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
