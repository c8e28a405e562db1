package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type LocalProvider struct {
	baseDir string
}

var _ Provider = &LocalProvider{}

func NewLocalProvider(dir string) (*LocalProvider, error) {
	baseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}

	return &LocalProvider{baseDir: baseDir}, nil
}

func (p *LocalProvider) fullpath(bucket, key string) (string, error) {
	bucketDir := filepath.Join(p.baseDir, bucket)
	path := filepath.Join(bucketDir, filepath.FromSlash(key))
	if path != bucketDir && !strings.HasPrefix(path, bucketDir+string(filepath.Separator)) {
		return "", fmt.Errorf("key %s escapes bucket %s", key, bucket)
	}
	return path, nil
}

func (p *LocalProvider) CreateBucket(ctx context.Context, bucket string) error {
	if err := os.MkdirAll(filepath.Join(p.baseDir, bucket), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create bucket directory %s: %w", bucket, err)
	}
	return nil
}

func (p *LocalProvider) PutObject(ctx context.Context, bucket, key string, data io.Reader) error {
	path, err := p.fullpath(bucket, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s/%s: %w", bucket, key, err)
	}

	// Write to a temporary file first so readers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file %s/%s: %w", bucket, key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file %s/%s: %w", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file %s/%s: %w", bucket, key, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move file into place %s/%s: %w", bucket, key, err)
	}

	return nil
}

func (p *LocalProvider) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	path, err := p.fullpath(bucket, key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s/%s: %w", bucket, key, err)
	}
	return file, nil
}

func (p *LocalProvider) DeleteObjects(ctx context.Context, bucket, prefix string) error {
	path, err := p.fullpath(bucket, prefix)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete objects in %s/%s: %w", bucket, prefix, err)
	}
	return nil
}

func (p *LocalProvider) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	root, err := p.fullpath(bucket, prefix)
	if err != nil {
		return nil, err
	}

	var objects []Object
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(filepath.Join(p.baseDir, bucket), path)
		if err != nil {
			return err
		}

		objects = append(objects, Object{Name: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list files in %s/%s: %w", bucket, prefix, err)
	}

	return objects, nil
}
