package build

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// A copy source resolved against the build context.
type copySource struct {
	fs   afero.Fs    // Build context.
	path string      // Rooted path within the build context.
	info os.FileInfo // Metadata of the source.
}

// Resolves a copy source in the build context.
//
// Sources are rooted at the context, so "./vendor", "vendor", and "/vendor"
// name the same path and ".." cannot escape it. A missing source fails with
// [ErrSourceNotFound].
func resolveSource(ctx afero.Fs, src string) (*copySource, error) {
	name := filepath.Join(string(filepath.Separator), filepath.FromSlash(src))

	info, err := ctx.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, wrap(ErrSourceNotFound, err)
		}
		return nil, wrap(ErrCopy, err)
	}

	return &copySource{fs: ctx, path: name, info: info}, nil
}

// Splits a copy destination into the directory the archive is extracted into
// and the archive name of the source.
//
// Copying onto "/" extracts a directory's contents directly into the root.
func splitDest(src *copySource, dest string) (dir, name string, err error) {
	if dest == "/" {
		if !src.info.IsDir() {
			return "", "", fmt.Errorf("%w: cannot copy file %s onto /", ErrCopy, src.path)
		}
		return "/", ".", nil
	}
	return path.Dir(dest), path.Base(dest), nil
}

// Streams the source as a tar archive through a pipe.
//
// The returned reader yields the archive; the channel reports the writer's
// outcome once the stream ends. Closing the reader early stops the writer.
func streamSource(src *copySource, name string) (*io.PipeReader, <-chan error) {
	pr, pw := io.Pipe()
	errc := make(chan error, 1)

	go func() {
		tw := tar.NewWriter(pw)
		var err error

		if src.info.IsDir() {
			err = writeDirToTar(tw, src.fs, src.path, name)
		} else {
			err = writeFileToTar(tw, src.fs, src.path, name, src.info)
		}
		if err == nil {
			err = tw.Close()
		}

		pw.CloseWithError(err)
		errc <- err
	}()

	return pr, errc
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, fsys afero.Fs, hostPath, name string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := fsys.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, fsys afero.Fs, hostDir, prefix string) error {
	return afero.Walk(fsys, hostDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		archivePath := filepath.ToSlash(filepath.Join(prefix, rel))
		return writeTarEntry(tw, fsys, p, archivePath, info)
	})
}

// Writes a single file, directory, or symlink entry to a tar writer.
//
// Symlinks keep their target as written; they are not followed.
func writeTarEntry(tw *tar.Writer, fsys afero.Fs, hostPath, archivePath string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := readlink(fsys, hostPath)
		if err != nil {
			return err
		}
		link = target
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := fsys.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Returns the target of a symlink in the build context.
func readlink(fsys afero.Fs, name string) (string, error) {
	reader, ok := fsys.(afero.LinkReader)
	if !ok {
		return "", fmt.Errorf("%w: cannot read symlink %s", ErrCopy, name)
	}
	return reader.ReadlinkIfPossible(name)
}
