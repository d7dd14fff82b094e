package build

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/spf13/afero"
)

func newContext(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		if err := afero.WriteFile(fsys, name, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile(%q): %v", name, err)
		}
	}
	return fsys
}

func TestResolveSource(t *testing.T) {
	fsys := newContext(t, map[string]string{
		"/vendor/lib.go": "package lib",
		"/main.go":       "package main",
	})

	tests := []struct {
		src     string
		path    string
		dir     bool
		wantErr error
	}{
		{src: "main.go", path: "/main.go"},
		{src: "./main.go", path: "/main.go"},
		{src: "/main.go", path: "/main.go"},
		{src: "vendor", path: "/vendor", dir: true},
		{src: "../vendor", path: "/vendor", dir: true},
		{src: "missing", wantErr: ErrSourceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			src, err := resolveSource(fsys, tt.src)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("resolveSource(%q) error = %v, want %v", tt.src, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveSource(%q): %v", tt.src, err)
			}
			if src.path != tt.path {
				t.Errorf("path = %q, want %q", src.path, tt.path)
			}
			if src.info.IsDir() != tt.dir {
				t.Errorf("IsDir = %v, want %v", src.info.IsDir(), tt.dir)
			}
		})
	}
}

func TestSplitDest(t *testing.T) {
	fsys := newContext(t, map[string]string{
		"/vendor/lib.go": "package lib",
		"/main.go":       "package main",
	})

	file, err := resolveSource(fsys, "main.go")
	if err != nil {
		t.Fatal(err)
	}
	dir, err := resolveSource(fsys, "vendor")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		src      *copySource
		dest     string
		wantDir  string
		wantName string
		wantErr  bool
	}{
		{name: "file", src: file, dest: "/app/main.go", wantDir: "/app", wantName: "main.go"},
		{name: "file renamed", src: file, dest: "/usr/bin/tool", wantDir: "/usr/bin", wantName: "tool"},
		{name: "directory", src: dir, dest: "/go/src/vendor", wantDir: "/go/src", wantName: "vendor"},
		{name: "directory onto root", src: dir, dest: "/", wantDir: "/", wantName: "."},
		{name: "file onto root", src: file, dest: "/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, n, err := splitDest(tt.src, tt.dest)
			if tt.wantErr {
				if !errors.Is(err, ErrCopy) {
					t.Fatalf("splitDest error = %v, want %v", err, ErrCopy)
				}
				return
			}
			if err != nil {
				t.Fatalf("splitDest: %v", err)
			}
			if d != tt.wantDir || n != tt.wantName {
				t.Errorf("splitDest = (%q, %q), want (%q, %q)", d, n, tt.wantDir, tt.wantName)
			}
		})
	}
}

func readArchive(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	entries := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = string(data)
	}
}

func TestStreamSourceFile(t *testing.T) {
	fsys := newContext(t, map[string]string{"/main.go": "package main"})

	src, err := resolveSource(fsys, "main.go")
	if err != nil {
		t.Fatal(err)
	}

	pr, errc := streamSource(src, "app.go")
	entries := readArchive(t, pr)
	if err := <-errc; err != nil {
		t.Fatalf("writer: %v", err)
	}

	if len(entries) != 1 || entries["app.go"] != "package main" {
		t.Errorf("entries = %v, want app.go only", entries)
	}
}

func TestStreamSourceDirectory(t *testing.T) {
	fsys := newContext(t, map[string]string{
		"/vendor/a.go":     "a",
		"/vendor/sub/b.go": "b",
	})

	src, err := resolveSource(fsys, "vendor")
	if err != nil {
		t.Fatal(err)
	}

	pr, errc := streamSource(src, "deps")
	entries := readArchive(t, pr)
	if err := <-errc; err != nil {
		t.Fatalf("writer: %v", err)
	}

	var names []string
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)

	want := []string{"deps/", "deps/a.go", "deps/sub/", "deps/sub/b.go"}
	if !slices.Equal(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	if entries["deps/sub/b.go"] != "b" {
		t.Errorf("deps/sub/b.go = %q, want %q", entries["deps/sub/b.go"], "b")
	}
}

func TestStreamSourceStopsWhenReaderCloses(t *testing.T) {
	fsys := newContext(t, map[string]string{"/big": string(make([]byte, 1<<20))})

	src, err := resolveSource(fsys, "big")
	if err != nil {
		t.Fatal(err)
	}

	pr, errc := streamSource(src, "big")
	pr.CloseWithError(io.ErrClosedPipe)

	if err := <-errc; !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("writer error = %v, want %v", err, io.ErrClosedPipe)
	}
}

func TestStreamSourceKeepsSymlinks(t *testing.T) {
	dir := t.TempDir()
	vendor := filepath.Join(dir, "vendor")
	if err := os.MkdirAll(vendor, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(vendor, "real.go"), []byte("package vendor"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real.go", filepath.Join(vendor, "link.go")); err != nil {
		t.Fatal(err)
	}

	src, err := resolveSource(afero.NewBasePathFs(afero.NewOsFs(), dir), "vendor")
	if err != nil {
		t.Fatal(err)
	}

	pr, errc := streamSource(src, "vendor")
	tr := tar.NewReader(pr)

	links := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeSymlink {
			links[hdr.Name] = hdr.Linkname
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if got := links["vendor/link.go"]; got != "real.go" {
		t.Fatalf("vendor/link.go target = %q, want %q", got, "real.go")
	}
}
