package blobstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/logging"
)

// Filesystem stores blobs as files under a root directory. Writes go to
// a temp file in the target directory and are renamed into place, so a
// key is either fully present or absent.
type Filesystem struct {
	root string
	sync bool
	log  interface {
		Debug(msg string, args ...any)
	}
}

// NewFilesystem creates a filesystem blob store rooted at dir.
// If syncWrites is true, every Put fsyncs before renaming.
func NewFilesystem(dir string, syncWrites bool) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating blob root")
	}
	return &Filesystem{
		root: dir,
		sync: syncWrites,
		log:  logging.Component("blobstore"),
	}, nil
}

// Put writes data under key. An existing object with the same key is
// left untouched, which is what makes routed writes idempotent.
func (s *Filesystem) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		s.log.Debug("blob already present, skipping write", "key", key)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating blob directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return errors.Wrap(err, "creating temp blob")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "writing blob")
	}
	if s.sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return errors.Wrap(err, "syncing blob")
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "closing blob")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "publishing blob")
	}
	return nil
}

// Get retrieves the object stored under key.
func (s *Filesystem) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "blob %s", key)
		}
		return nil, errors.Wrap(err, "reading blob")
	}
	return data, nil
}

// Delete removes the object stored under key.
func (s *Filesystem) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrNotFound, "blob %s", key)
		}
		return errors.Wrap(err, "deleting blob")
	}
	return nil
}

// List returns all keys with the given prefix, in lexical order.
func (s *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
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
		return nil, errors.Wrap(err, "listing blobs")
	}
	return keys, nil
}

// Exists checks whether an object exists under key.
func (s *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "checking blob")
	}
	return true, nil
}

// Close releases resources. The filesystem store holds none.
func (s *Filesystem) Close() error {
	return nil
}

// resolve maps a key to a path under the root, rejecting traversal.
func (s *Filesystem) resolve(key string) (string, error) {
	if key == "" {
		return "", errors.ErrInvalidKey
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.Wrapf(errors.ErrInvalidKey, "key %q escapes the store root", key)
	}
	return filepath.Join(s.root, clean), nil
}
