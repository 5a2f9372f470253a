package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalArtifactStore keeps artifacts in a directory, typically a mounted share
type LocalArtifactStore struct {
	basePath    string
	prefix      string
	permissions os.FileMode
}

// NewLocalArtifactStore creates a store rooted at config.BasePath
func NewLocalArtifactStore(config *LocalConfig, prefix string) (*LocalArtifactStore, error) {
	if config == nil || config.BasePath == "" {
		return nil, NewValidationError("local storage configuration is required", nil)
	}
	perm := config.Permissions
	if perm == 0 {
		perm = 0755
	}

	store := &LocalArtifactStore{basePath: config.BasePath, prefix: prefix, permissions: perm}
	if err := os.MkdirAll(store.basePath, perm); err != nil {
		return nil, NewStorageError("failed to create base directory", err).WithContext("path", store.basePath)
	}
	return store, nil
}

func (s *LocalArtifactStore) path(key string) (string, error) {
	rel := filepath.FromSlash(objectKey(s.prefix, key))
	full := filepath.Join(s.basePath, rel)
	base, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", NewValidationError(fmt.Sprintf("key %q escapes the storage directory", key), nil)
	}
	return full, nil
}

// Upload copies localPath into the store
func (s *LocalArtifactStore) Upload(ctx context.Context, localPath, key string) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), s.permissions); err != nil {
		return NewStorageError("failed to create artifact directory", err)
	}
	if err := copyFile(ctx, localPath, dst); err != nil {
		return NewStorageError(fmt.Sprintf("failed to store %s", key), err).WithContext("path", localPath)
	}
	return nil
}

// Download copies key to localPath
func (s *LocalArtifactStore) Download(ctx context.Context, key, localPath string) error {
	src, err := s.path(key)
	if err != nil {
		return err
	}
	if err := copyFile(ctx, src, localPath); err != nil {
		return NewStorageError(fmt.Sprintf("failed to retrieve %s", key), err)
	}
	return nil
}

// Delete removes key
func (s *LocalArtifactStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete %s", key), err)
	}
	return nil
}

// Exists reports whether key is stored
func (s *LocalArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, NewStorageError(fmt.Sprintf("failed to check %s", key), err)
	}
	return !info.IsDir(), nil
}

// List returns the keys under prefix, sorted
func (s *LocalArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	root := filepath.Join(s.basePath, filepath.FromSlash(s.prefix))
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, NewStorageError("failed to list artifacts", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Location returns the file path of key
func (s *LocalArtifactStore) Location(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(objectKey(s.prefix, key)))
}

// copyFile copies src to dst through a temporary file in dst's directory
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: in}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
