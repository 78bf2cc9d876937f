package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfig writes artifacts below Dir and serves them under BaseURL.
type LocalConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

// Local is an Uploader over a directory, paired with the /artifacts route.
type Local struct {
	dir     string
	baseURL string
}

// Compile-time interface check.
var _ Uploader = (*Local)(nil)

// NewLocal creates the directory if needed.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: create %s: %w", cfg.Dir, err)
	}
	return &Local{dir: cfg.Dir, baseURL: cfg.BaseURL}, nil
}

// Dir returns the root directory.
func (l *Local) Dir() string {
	return l.dir
}

// Upload writes data to dir/key atomically via a temp file and rename.
func (l *Local) Upload(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("objstore: invalid key %q", key)
	}
	path := filepath.Join(l.dir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("objstore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("objstore: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("objstore: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("objstore: close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("objstore: rename %s: %w", key, err)
	}
	return joinURL(l.baseURL, strings.TrimPrefix(clean, "/")), nil
}
