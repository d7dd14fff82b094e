package runtime

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/v2/core/mount"
	"github.com/cruciblehq/box/internal/build"
	"github.com/opencontainers/go-digest"
)

// Returns the digest of every path visible in an image.
//
// A read-only view of the image's chain is mounted temporarily and walked.
// Each digest covers the entry's mode and either its content (regular
// files) or its target (symlinks). Mounting needs the privileges containerd
// itself runs with.
func (rt *Runtime) Contents(ctx context.Context, h build.ImageHandle) (map[string]digest.Digest, error) {
	ctx, src, err := rt.load(ctx, h)
	if err != nil {
		return nil, err
	}

	chain, err := rt.unpack(ctx, src)
	if err != nil {
		return nil, wrap(err)
	}

	sn := rt.snapshots()
	key := snapshotKey("inspect")

	mounts, err := sn.View(ctx, key, chain)
	if err != nil {
		return nil, wrap(err)
	}
	defer sn.Remove(context.WithoutCancel(ctx), key)

	contents := make(map[string]digest.Digest)
	err = mount.WithReadonlyTempMount(ctx, mounts, func(root string) error {
		return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == root {
				return nil
			}

			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}

			dgst, err := entryDigest(p, d)
			if err != nil {
				return err
			}
			contents["/"+filepath.ToSlash(rel)] = dgst
			return nil
		})
	})
	if err != nil {
		return nil, wrap(err)
	}

	return contents, nil
}

// Digests a filesystem entry's mode and content.
func entryDigest(p string, d fs.DirEntry) (digest.Digest, error) {
	info, err := d.Info()
	if err != nil {
		return "", err
	}

	digester := digest.Canonical.Digester()
	h := digester.Hash()
	io.WriteString(h, info.Mode().String()+"\n")

	switch {
	case info.Mode().IsRegular():
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return "", err
		}
		io.WriteString(h, target)
	}

	return digester.Digest(), nil
}
