package build_test

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/cruciblehq/box/internal/build"
	"github.com/cruciblehq/box/internal/memory"
	"github.com/cruciblehq/box/internal/recipe"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const disrelay = `
param gover 1.9.2
from xena/go-mini:${gover}
run go1.9.2 download
copy . /root/go/src/github.com/Xe/disrelay
run cd /root/go/src/github.com/Xe/disrelay && go1.9.2 build -o /usr/local/bin/disrelay
run rm -rf /root/go /root/sdk
flatten
cmd /usr/local/bin/disrelay
tag xena/disrelay:0.1
`

// Simulates the toolchain commands of the disrelay recipe.
func toolchain(ctx context.Context, command string, view memory.View) (memory.Layer, int, error) {
	switch {
	case strings.HasSuffix(command, "download"):
		return memory.Layer{"/root/sdk/go1.9.2/bin/go": memory.NewFile("go")}, 0, nil
	case strings.Contains(command, "build -o"):
		if _, ok := view.Read("/root/go/src/github.com/Xe/disrelay/main.go"); !ok {
			return nil, 1, nil
		}
		return memory.Layer{"/usr/local/bin/disrelay": memory.NewFile("elf")}, 0, nil
	case strings.HasPrefix(command, "rm -rf"):
		return memory.Layer{"/root/go": nil, "/root/sdk": nil}, 0, nil
	}
	return nil, 127, nil
}

func loadRecipe(t *testing.T, content string) *recipe.Recipe {
	t.Helper()
	raw, params, err := recipe.Decode(recipe.FormatLines, []byte(content))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	r, err := recipe.Parse(raw, params)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return r
}

func buildContext(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/main.go", []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	return fsys
}

func TestRunDisrelay(t *testing.T) {
	engine := memory.New(
		memory.WithBase("xena/go-mini:1.9.2", map[string]string{"/etc/os-release": "alpine"}),
		memory.WithRunner(toolchain),
	)

	result, err := build.Run(context.Background(), engine, loadRecipe(t, disrelay), build.Options{
		Context:       buildContext(t),
		VerifyFlatten: true,
		Logger:        slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Tag != "docker.io/xena/disrelay:0.1" {
		t.Errorf("Tag = %q, want %q", result.Tag, "docker.io/xena/disrelay:0.1")
	}
	if h, ok := engine.Tagged(result.Tag); !ok || h != result.Handle {
		t.Errorf("Tagged = (%q, %v), want (%q, true)", h, ok, result.Handle)
	}

	view, err := engine.Files(result.Handle)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/etc/os-release", "/usr/local/bin/disrelay"}
	if got := view.Paths(); !slices.Equal(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}

	if n, _ := engine.LayerCount(result.Handle); n != 1 {
		t.Errorf("LayerCount = %d, want 1", n)
	}
	if ep, _ := engine.Entrypoint(result.Handle); !slices.Equal(ep, []string{"/usr/local/bin/disrelay"}) {
		t.Errorf("Entrypoint = %v, want [/usr/local/bin/disrelay]", ep)
	}
}

func TestRunFlattenPreservesContents(t *testing.T) {
	ctx := context.Background()
	engine := memory.New(memory.WithRunner(toolchain))
	opts := build.Options{Context: buildContext(t), Logger: slog.New(slog.DiscardHandler)}

	layered := strings.Replace(disrelay, "flatten\n", "", 1)
	layered = strings.Replace(layered, "xena/disrelay:0.1", "xena/disrelay:layered", 1)

	flat, err := build.Run(ctx, engine, loadRecipe(t, disrelay), opts)
	if err != nil {
		t.Fatalf("Run(flat): %v", err)
	}
	stacked, err := build.Run(ctx, engine, loadRecipe(t, layered), opts)
	if err != nil {
		t.Fatalf("Run(layered): %v", err)
	}

	a, _ := engine.Contents(ctx, flat.Handle)
	b, _ := engine.Contents(ctx, stacked.Handle)
	if !maps.Equal(a, b) {
		t.Errorf("flattened contents %v differ from layered %v", a, b)
	}

	fl, _ := engine.LayerCount(flat.Handle)
	sl, _ := engine.LayerCount(stacked.Handle)
	if fl != 1 || sl != 4 {
		t.Errorf("layer counts = (%d, %d), want (1, 4)", fl, sl)
	}
}

func TestRunFailedBuildLeavesNothing(t *testing.T) {
	engine := memory.New(memory.WithRunner(toolchain))

	// No main.go in the context, so the build command fails.
	_, err := build.Run(context.Background(), engine, loadRecipe(t, disrelay), build.Options{
		Context: afero.NewMemMapFs(),
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err == nil {
		t.Fatal("Run succeeded, want error")
	}

	if _, ok := engine.Tagged("xena/disrelay:0.1"); ok {
		t.Error("failed build was tagged")
	}
	if engine.Len() != 0 {
		t.Errorf("Len = %d, want 0", engine.Len())
	}
}

func TestRunConcurrentSessions(t *testing.T) {
	engine := memory.New(memory.WithRunner(func(ctx context.Context, command string, view memory.View) (memory.Layer, int, error) {
		return memory.Layer{"/" + command: memory.NewFile(command)}, 0, nil
	}))

	const builds = 8
	results := make([]*build.Result, builds)

	var g errgroup.Group
	for i := range builds {
		g.Go(func() error {
			r, err := recipe.ParseLines([]string{
				"from base",
				fmt.Sprintf("run step-%d", i),
				fmt.Sprintf("tag out:%d", i),
			}, nil)
			if err != nil {
				return err
			}
			results[i], err = build.Run(context.Background(), engine, r, build.Options{
				Context: afero.NewMemMapFs(),
				Logger:  slog.New(slog.DiscardHandler),
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, result := range results {
		view, err := engine.Files(result.Handle)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{fmt.Sprintf("/step-%d", i)}
		if got := view.Paths(); !slices.Equal(got, want) {
			t.Errorf("build %d paths = %v, want %v", i, got, want)
		}
	}
}
