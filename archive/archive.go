// Package archive compresses a finished mailbag directory.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnknownFormat is returned for a compression format other than tar, zip or tar.gz.
var ErrUnknownFormat = errors.New("unknown compression format")

// Formats lists the supported compression formats.
var Formats = []string{"tar", "zip", "tar.gz"}

// Archiver receives the files of a directory tree.
type Archiver interface {
	Create(name string, size int64, mode fs.FileMode, mtime time.Time) (io.Writer, error)
	Close() error
}

// TarArchiver writes a tar file.
type TarArchiver struct {
	*tar.Writer
}

func (a TarArchiver) Create(name string, size int64, mode fs.FileMode, mtime time.Time) (io.Writer, error) {
	hdr := tar.Header{
		Name:    name,
		Size:    size,
		Mode:    int64(mode.Perm()),
		ModTime: mtime,
		Format:  tar.FormatPAX,
	}
	if err := a.WriteHeader(&hdr); err != nil {
		return nil, err
	}
	return a, nil
}

// ZipArchiver writes a zip file.
type ZipArchiver struct {
	*zip.Writer
}

func (a ZipArchiver) Create(name string, size int64, mode fs.FileMode, mtime time.Time) (io.Writer, error) {
	hdr := zip.FileHeader{
		Name:               name,
		Method:             zip.Deflate,
		Modified:           mtime,
		UncompressedSize64: uint64(size),
	}
	hdr.SetMode(mode)
	return a.CreateHeader(&hdr)
}

// gzipTarArchiver closes the tar stream before the gzip stream.
type gzipTarArchiver struct {
	TarArchiver
	gz *gzip.Writer
}

func (a gzipTarArchiver) Close() error {
	if err := a.TarArchiver.Close(); err != nil {
		return err
	}
	return a.gz.Close()
}

func newArchiver(format string, w io.Writer) (Archiver, error) {
	switch format {
	case "tar":
		return TarArchiver{tar.NewWriter(w)}, nil
	case "zip":
		return ZipArchiver{zip.NewWriter(w)}, nil
	case "tar.gz":
		gz := gzip.NewWriter(w)
		return gzipTarArchiver{TarArchiver{tar.NewWriter(gz)}, gz}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Valid reports whether format is a supported compression format.
func Valid(format string) bool {
	for _, f := range Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Path returns the archive file written for dir.
func Path(dir, format string) string {
	return filepath.Clean(dir) + "." + format
}

// Compress archives dir into Path(dir, format). Entry names are prefixed with
// the base name of dir. The directory is removed once the archive exists.
func Compress(dir, format string, logger *slog.Logger) (string, error) {
	dest := Path(dir, format)
	if err := write(dir, dest, format); err != nil {
		os.Remove(dest)
		return "", err
	}

	if _, err := os.Stat(dest); err != nil {
		return "", fmt.Errorf("archive %s not found after compression: %w", dest, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return dest, fmt.Errorf("remove %s after compression: %w", dir, err)
	}
	if logger != nil {
		logger.Info("mailbag compressed", "archive", dest)
	}
	return dest, nil
}

func write(dir, dest, format string) error {
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer file.Close()

	archiver, err := newArchiver(format, file)
	if err != nil {
		return err
	}

	prefix := filepath.Base(filepath.Clean(dir))
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return addFile(archiver, path, prefix+"/"+filepath.ToSlash(rel), info)
	})
	if err != nil {
		archiver.Close()
		return fmt.Errorf("archive %s: %w", dir, err)
	}
	if err := archiver.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return file.Close()
}

func addFile(a Archiver, path, name string, info fs.FileInfo) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := a.Create(name, info.Size(), info.Mode(), info.ModTime())
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return nil
}

// Format maps a user supplied name to a supported format, accepting a leading
// dot and the tgz alias.
func Format(name string) string {
	name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "tgz" {
		return "tar.gz"
	}
	return name
}
