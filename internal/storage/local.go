package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// LocalBackend stores objects as files under a base directory.
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger
}

func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	if basePath == "" {
		return nil, fmt.Errorf("local storage path is required")
	}
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-storage").Logger(),
	}, nil
}

// Write replaces path atomically: a temp file in the same directory is
// renamed over the target.
func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := b.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".querybench-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().Str("path", path).Int("size", len(data)).Msg("Wrote file")
	return nil
}

func (b *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(b.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".querybench-") {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	fullPath, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
}

func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) Type() string { return "local" }

func (b *LocalBackend) Location(path string) string {
	return "file://" + filepath.Join(b.basePath, filepath.FromSlash(path))
}

// BasePath returns the absolute base directory.
func (b *LocalBackend) BasePath() string { return b.basePath }

// resolve maps path under the base directory, rejecting traversal.
func (b *LocalBackend) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("invalid path: empty")
	}
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	full := filepath.Join(b.basePath, clean)
	if full != b.basePath && !strings.HasPrefix(full, b.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: %q escapes the storage root", path)
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return "", fmt.Errorf("invalid path: %q contains '..'", path)
	}
	return full, nil
}
