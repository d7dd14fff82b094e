package memory

import (
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
)

// A filesystem entry stored in a layer.
type File struct {
	Content []byte      // File data, or the target of a symlink.
	Mode    fs.FileMode // Type and permission bits.
}

// Creates a regular file with mode 0644.
func NewFile(content string) *File {
	return &File{Content: []byte(content), Mode: 0o644}
}

// Creates a directory entry with mode 0755.
func NewDir() *File {
	return &File{Mode: fs.ModeDir | 0o755}
}

// Changes made by one build step, keyed by absolute path.
//
// A nil entry is a whiteout: it removes the path, and everything below it,
// from the layers underneath.
type Layer map[string]*File

// Merged filesystem of an image, keyed by absolute path.
type View map[string]*File

// Returns the digest identifying the entry's type, mode, and content.
func (f *File) digest() digest.Digest {
	data := make([]byte, 0, len(f.Content)+16)
	data = append(data, f.Mode.String()...)
	data = append(data, '\n')
	data = append(data, f.Content...)
	return digest.FromBytes(data)
}

// Stacks layers bottom to top into a single view.
func merge(layers []Layer) View {
	view := make(View)
	for _, layer := range layers {
		for p, f := range layer {
			if f == nil {
				whiteout(view, p)
			}
		}
		for p, f := range layer {
			if f != nil {
				view[p] = f
			}
		}
	}
	return view
}

// Removes p and its descendants from the view.
func whiteout(view View, p string) {
	prefix := strings.TrimSuffix(p, "/") + "/"
	for name := range view {
		if name == p || strings.HasPrefix(name, prefix) {
			delete(view, name)
		}
	}
}

// Returns the merged view as a single layer.
func (v View) layer() Layer {
	return Layer(maps.Clone(v))
}

// Returns the paths in the view in lexical order.
func (v View) Paths() []string {
	return slices.Sorted(maps.Keys(v))
}

// Returns the content of a regular file, or false if the path is absent or
// not a regular file.
func (v View) Read(p string) (string, bool) {
	f, ok := v[p]
	if !ok || !f.Mode.IsRegular() {
		return "", false
	}
	return string(f.Content), true
}
