package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	Extension = ".zip"

	// PackedName is the name of the archive created when a batch contains no archive.
	PackedName = "training_data.zip"
)

var (
	ErrEmptyBatch       = errors.New("no files uploaded")
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrDuplicateFile    = errors.New("duplicate filename in batch")
	ErrMultipleArchives = errors.New("batch contains more than one archive")
	ErrInvalidArchive   = errors.New("invalid archive")
	ErrIO               = errors.New("io failure")
)

// Limits bounds what an uploaded archive may expand to. Zero fields are
// unlimited.
type Limits struct {
	MaxBytes   int64
	MaxEntries int
}

type File struct {
	Name string
	Data io.Reader
}

type Archive struct {
	// Path is the location of the archive on disk.
	Path string
	Name string

	// Entries are the file names contained in the archive.
	Entries []string

	// Extracted is true when the archive was uploaded by the caller and expanded
	// rather than packed from individual files.
	Extracted bool
}

func IsArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), Extension)
}

// SanitizeName reduces an uploaded filename to a base name that is safe to use
// as a path component under the upload directory.
func SanitizeName(name string) (string, error) {
	cleaned := strings.ReplaceAll(name, "\\", "/")
	for _, segment := range strings.Split(cleaned, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: '%s' contains a parent directory segment", ErrInvalidFilename, name)
		}
	}

	base := filepath.Base(filepath.FromSlash(cleaned))
	if base == "" || base == "." || base == string(filepath.Separator) || strings.ContainsRune(base, 0) {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidFilename, name)
	}
	return base, nil
}

// Normalize writes the batch into dir and produces exactly one archive from it.
// If the batch contains an archive it is expanded into dir and becomes the
// result, otherwise all files are packed into dir/training_data.zip.
func Normalize(ctx context.Context, dir string, files []File, limits Limits) (*Archive, error) {
	if len(files) == 0 {
		return nil, ErrEmptyBatch
	}

	names := make([]string, len(files))
	seen := make(map[string]bool, len(files))
	archiveIdx := -1
	for i, file := range files {
		name, err := SanitizeName(file.Name)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: '%s'", ErrDuplicateFile, name)
		}
		seen[name] = true
		names[i] = name

		if IsArchive(name) {
			if archiveIdx >= 0 {
				return nil, fmt.Errorf("%w: '%s' and '%s'", ErrMultipleArchives, names[archiveIdx], name)
			}
			archiveIdx = i
		}
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("%w: failed to create upload directory %s: %v", ErrIO, dir, err)
	}

	paths := make([]string, len(files))
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paths[i] = filepath.Join(dir, names[i])
		if err := writeFile(paths[i], file.Data); err != nil {
			return nil, err
		}
	}

	if archiveIdx >= 0 {
		entries, err := Extract(paths[archiveIdx], dir, limits)
		if err != nil {
			return nil, err
		}
		slog.Info("expanded uploaded archive", "archive", paths[archiveIdx], "entries", len(entries))
		return &Archive{Path: paths[archiveIdx], Name: names[archiveIdx], Entries: entries, Extracted: true}, nil
	}

	packed := filepath.Join(dir, PackedName)
	if err := Pack(packed, paths); err != nil {
		return nil, err
	}
	slog.Info("packed uploaded files", "archive", packed, "entries", len(names))

	return &Archive{Path: packed, Name: PackedName, Entries: names}, nil
}

func writeFile(path string, data io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create file %s: %v", ErrIO, path, err)
	}

	if _, err := io.Copy(dst, data); err != nil {
		dst.Close()
		return fmt.Errorf("%w: failed to write file %s: %v", ErrIO, path, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: failed to close file %s: %v", ErrIO, path, err)
	}
	return nil
}

// Pack creates a zip at path containing each of files under its base name.
func Pack(path string, files []string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create archive %s: %v", ErrIO, path, err)
	}

	zw := zip.NewWriter(out)
	for _, file := range files {
		if err := addToZip(zw, file); err != nil {
			out.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("%w: failed to finalize archive %s: %v", ErrIO, path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: failed to close archive %s: %v", ErrIO, path, err)
	}
	return nil
}

func addToZip(zw *zip.Writer, file string) error {
	src, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %v", ErrIO, file, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("%w: failed to stat %s: %v", ErrIO, file, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("%w: failed to build zip header for %s: %v", ErrIO, file, err)
	}
	header.Name = filepath.Base(file)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("%w: failed to add %s to archive: %v", ErrIO, file, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("%w: failed to write %s to archive: %v", ErrIO, file, err)
	}
	return nil
}

// Extract expands the zip at path into dir and returns the names of the
// extracted files. Entries that would land outside dir, replace a file already
// in dir, or push the archive past limits are rejected.
func Extract(path, dir string, limits Limits) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to open %s: %v", ErrInvalidArchive, filepath.Base(path), err)
	}
	defer zr.Close()

	if limits.MaxEntries > 0 && len(zr.File) > limits.MaxEntries {
		return nil, fmt.Errorf("%w: %d entries exceeds the limit of %d", ErrInvalidArchive, len(zr.File), limits.MaxEntries)
	}

	if limits.MaxBytes > 0 {
		var declared uint64
		for _, f := range zr.File {
			declared += f.UncompressedSize64
			if declared > uint64(limits.MaxBytes) {
				return nil, fmt.Errorf("%w: expands to more than %d bytes", ErrInvalidArchive, limits.MaxBytes)
			}
		}
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve %s: %v", ErrIO, dir, err)
	}

	remaining := limits.MaxBytes
	var entries []string
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: entry '%s' escapes the extraction directory", ErrInvalidArchive, f.Name)
		}

		if target == path || target == filepath.Join(root, filepath.Base(path)) {
			return nil, fmt.Errorf("%w: entry '%s' would overwrite the archive itself", ErrInvalidArchive, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, os.ModePerm); err != nil {
				return nil, fmt.Errorf("%w: failed to create directory %s: %v", ErrIO, target, err)
			}
			continue
		}

		written, err := extractFile(f, target, remaining, limits.MaxBytes > 0)
		if err != nil {
			return nil, err
		}
		remaining -= written
		entries = append(entries, f.Name)
	}

	return entries, nil
}

// extractFile writes f to target, failing if target already exists. When
// limited is set at most budget bytes are written, regardless of the size the
// entry header declares.
func extractFile(f *zip.File, target string, budget int64, limited bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
		return 0, fmt.Errorf("%w: failed to create directory for %s: %v", ErrIO, target, err)
	}

	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: unable to read entry '%s': %v", ErrInvalidArchive, f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, fmt.Errorf("%w: entry '%s' conflicts with an existing file", ErrInvalidArchive, f.Name)
		}
		return 0, fmt.Errorf("%w: failed to create file %s: %v", ErrIO, target, err)
	}

	var reader io.Reader = src
	if limited {
		reader = io.LimitReader(src, budget+1)
	}

	written, err := io.Copy(dst, reader)
	if err != nil {
		dst.Close()
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) {
			return written, fmt.Errorf("%w: corrupt entry '%s': %v", ErrInvalidArchive, f.Name, err)
		}
		return written, fmt.Errorf("%w: failed to extract '%s': %v", ErrIO, f.Name, err)
	}
	if err := dst.Close(); err != nil {
		return written, fmt.Errorf("%w: failed to close %s: %v", ErrIO, target, err)
	}

	if limited && written > budget {
		return written, fmt.Errorf("%w: entry '%s' expands past the size limit", ErrInvalidArchive, f.Name)
	}
	return written, nil
}
