package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fileSuffix = ".cbor"

// FileAdapter stores one file per key in a directory
type FileAdapter struct {
	dir    string
	config Config
}

// NewFileAdapter creates an adapter rooted at dir. The directory is created
// on first write.
func NewFileAdapter(dir string, config Config) *FileAdapter {
	return &FileAdapter{dir: dir, config: config}
}

// Dir returns the cache directory
func (f *FileAdapter) Dir() string {
	return f.dir
}

func (f *FileAdapter) path(key string) string {
	name := strings.NewReplacer("/", "_", ":", "_", string(filepath.Separator), "_").Replace(f.config.Prefix + key)
	return filepath.Join(f.dir, name+fileSuffix)
}

// Get retrieves a payload. Files older than the TTL are misses.
func (f *FileAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := f.path(key)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMiss{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache file: %w", err)
	}
	if f.config.TTL > 0 && time.Since(info.ModTime()) > f.config.TTL {
		_ = os.Remove(path)
		return nil, ErrCacheMiss{Key: key}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	return data, nil
}

// Set writes the payload through a temporary file so readers never see a
// partial write.
func (f *FileAdapter) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return nil
}

// Remove deletes a payload
func (f *FileAdapter) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// Clear removes every cache file in the directory. Other files are left alone.
func (f *FileAdapter) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(f.dir, "*"+fileSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove cache file: %w", err)
		}
	}
	return nil
}
