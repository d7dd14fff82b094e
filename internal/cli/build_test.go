package cli

import (
	"errors"
	"maps"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/box/internal/build"
	"github.com/cruciblehq/box/internal/memory"
	"github.com/cruciblehq/box/internal/protocol"
	"github.com/cruciblehq/box/internal/recipe"
	"github.com/cruciblehq/box/internal/server"
)

// Writes a file under dir and returns its path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildValidate(t *testing.T) {
	tests := []struct {
		name string
		cmd  BuildCmd
		want error
	}{
		{"single", BuildCmd{Recipes: []string{"a"}, Jobs: 1}, nil},
		{"output with one recipe", BuildCmd{Recipes: []string{"a"}, Output: "a.tar", Jobs: 1}, nil},
		{"output with many recipes", BuildCmd{Recipes: []string{"a", "b"}, Output: "a.tar", Jobs: 1}, ErrUsage},
		{"remote dry run", BuildCmd{Recipes: []string{"a"}, Remote: true, DryRun: true, Jobs: 1}, ErrUsage},
		{"no jobs", BuildCmd{Recipes: []string{"a"}}, ErrUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuildAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main")

	cmd := BuildCmd{
		Recipes: []string{
			writeFile(t, dir, "app.box", "param version 1\nfrom alpine:3.20\ncopy main.go /src/main.go\nrun go build ./src\ntag app:${version}\n"),
			writeFile(t, dir, "tools.yaml", "steps:\n  - from alpine:3.20\n  - run apk add git\n  - tag tools:${version}\n"),
			writeFile(t, dir, "scratch.toml", "steps = [\"from alpine:3.20\", \"run true\"]\n"),
		},
		Params: map[string]string{"version": "2"},
		Jobs:   2,
	}

	engine := memory.New()
	results, err := cmd.buildAll(t.Context(), engine)
	if err != nil {
		t.Fatalf("buildAll() error = %v", err)
	}

	want := []string{"docker.io/library/app:2", "docker.io/library/tools:2", ""}
	for i, result := range results {
		if result.Tag != want[i] {
			t.Fatalf("results[%d].Tag = %q, want %q", i, result.Tag, want[i])
		}
	}

	if results[2].Handle != "" {
		t.Fatalf("results[2].Handle = %q, want empty", results[2].Handle)
	}
	want2 := "(untagged, session " + results[2].Session + ")"
	if got := describe(results[2]); got != want2 {
		t.Fatalf("describe() = %q, want %q", got, want2)
	}

	h, ok := engine.Tagged("app:2")
	if !ok {
		t.Fatal("app:2 was not tagged")
	}
	files, err := engine.Files(h)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := files.Read("/src/main.go"); !ok || got != "package main" {
		t.Fatalf("/src/main.go = %q, want %q", got, "package main")
	}
}

func TestBuildAllStopsOnFailure(t *testing.T) {
	dir := t.TempDir()

	cmd := BuildCmd{
		Recipes: []string{writeFile(t, dir, "bad.box", "from golang:${gover}\n")},
		Jobs:    1,
	}

	_, err := cmd.buildAll(t.Context(), memory.New())
	if !errors.Is(err, recipe.ErrUnresolvedParameter) {
		t.Fatalf("buildAll() error = %v, want %v", err, recipe.ErrUnresolvedParameter)
	}
}

func TestBuildRemote(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main")
	path := writeFile(t, dir, "app.box", "from alpine:3.20\ncopy main.go /main.go\ntag app:${version}\n")

	socket := filepath.Join(t.TempDir(), "box.sock")
	srv := server.New(server.Config{
		SocketPath: socket,
		PIDFile:    filepath.Join(t.TempDir(), "box.pid"),
	}, memory.New())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })

	cmd := BuildCmd{
		Recipes: []string{path},
		Params:  map[string]string{"version": "3"},
		Jobs:    1,
	}

	results, err := cmd.buildRemote(t.Context(), protocol.NewClient(socket))
	if err != nil {
		t.Fatalf("buildRemote() error = %v", err)
	}
	if results[0].Tag != "docker.io/library/app:3" {
		t.Fatalf("Tag = %q, want %q", results[0].Tag, "docker.io/library/app:3")
	}
	if results[0].Layers != 2 {
		t.Fatalf("Layers = %d, want 2", results[0].Layers)
	}
}

func TestBuildParamFlags(t *testing.T) {
	path := writeFile(t, t.TempDir(), "app.box", "from alpine:3.20\n")

	var cli struct {
		Build BuildCmd `cmd:""`
	}
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	_, err = parser.Parse([]string{
		"build", path,
		"--param", "gover=1.9.2",
		"--param", "eq=x=y",
		"--param", "post=rm -rf /tmp;echo done",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := map[string]string{
		"gover": "1.9.2",
		"eq":    "x=y",
		"post":  "rm -rf /tmp;echo done",
	}
	if !maps.Equal(cli.Build.Params, want) {
		t.Fatalf("Params = %v, want %v", cli.Build.Params, want)
	}
}

func TestContextDir(t *testing.T) {
	cmd := BuildCmd{}
	if got := cmd.contextDir("/work/app/recipe.box"); got != "/work/app" {
		t.Fatalf("contextDir() = %q, want %q", got, "/work/app")
	}

	cmd.Context = "/ctx"
	if got := cmd.contextDir("/work/app/recipe.box"); got != "/ctx" {
		t.Fatalf("contextDir() = %q, want %q", got, "/ctx")
	}
}

func TestExportRequiresTag(t *testing.T) {
	err := export(t.Context(), memory.New(), &build.Result{Handle: "memory:1"}, "out.tar")
	if !errors.Is(err, ErrExport) {
		t.Fatalf("export() error = %v, want %v", err, ErrExport)
	}
}

func TestExportRequiresExporter(t *testing.T) {
	err := export(t.Context(), memory.New(), &build.Result{Tag: "docker.io/library/app:1"}, "out.tar")
	if !errors.Is(err, ErrExport) {
		t.Fatalf("export() error = %v, want %v", err, ErrExport)
	}
}
