package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store manages the durable artifact left behind by each attempt.
type Store interface {
	Cleanup(identity string) error
	Delete(identity string) error
	List(prefix string) ([]string, error)
}

// cacheEntries are removed by Cleanup. They are regenerated by the worker on next use.
var cacheEntries = []string{"Cache", "Code Cache", "GPUCache", "Service Worker/CacheStorage", "ShaderCache"}

// DirStore keeps one directory per task identity under Root.
type DirStore struct {
	Root   string
	Logger *slog.Logger
}

func NewDirStore(root string, logger *slog.Logger) *DirStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirStore{Root: root, Logger: logger}
}

func (s *DirStore) Path(identity string) (string, error) {
	if identity == "" || identity != filepath.Base(identity) || identity == "." || identity == ".." {
		return "", fmt.Errorf("invalid artifact identity %q", identity)
	}
	return filepath.Join(s.Root, identity), nil
}

// Cleanup trims caches and temporary files from an artifact without deleting it.
func (s *DirStore) Cleanup(identity string) error {
	dir, err := s.Path(identity)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("artifact %s: %w", identity, err)
	}

	var freed int64
	var errs []error
	for _, name := range cacheEntries {
		matches, _ := filepath.Glob(filepath.Join(dir, "*", name))
		matches = append(matches, filepath.Join(dir, name))
		for _, m := range matches {
			n, err := removeAll(m)
			freed += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".tmp") {
			if info, err := d.Info(); err == nil {
				freed += info.Size()
			}
			if err := os.Remove(path); err != nil {
				errs = append(errs, err)
			}
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	s.Logger.Debug("Artifact cleaned", "identity", identity, "freed_bytes", freed)
	return errors.Join(errs...)
}

func (s *DirStore) Delete(identity string) error {
	dir, err := s.Path(identity)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", identity, err)
	}
	s.Logger.Debug("Artifact deleted", "identity", identity)
	return nil
}

// List returns the sorted names of artifacts starting with prefix.
func (s *DirStore) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Snapshot describes the top level of an artifact, one "name size" line per entry.
// Directory sizes are the sum of their files.
func (s *DirStore) Snapshot(_ context.Context, identity string) (string, error) {
	dir, err := s.Path(identity)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("artifact %s: %w", identity, err)
	}
	var b strings.Builder
	for _, e := range entries {
		size := dirSize(filepath.Join(dir, e.Name()))
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "%s %d\n", name, size)
	}
	return b.String(), nil
}

func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}

func removeAll(path string) (int64, error) {
	size := dirSize(path)
	if err := os.RemoveAll(path); err != nil {
		return 0, err
	}
	return size, nil
}
