// Package file implements an artifact store backed by a local directory.
//
// Keys are treated as relative paths under BaseDir. Object metadata is kept
// in a sidecar file next to each artifact.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/gomatrix/pkg/artifact"
)

// MetadataSuffix is appended to an artifact path to name its metadata file.
const MetadataSuffix = ".meta.json"

// Config configures a file store.
type Config struct {
	BaseDir string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

// Store writes artifacts beneath a base directory.
type Store struct {
	baseDir string
}

var _ artifact.Store = (*Store)(nil)

// New creates a file store. The base directory is created on first write.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Close implements artifact.Store.
func (s *Store) Close() error { return nil }

// Put writes the artifact atomically, then its metadata sidecar.
func (s *Store) Put(ctx context.Context, obj artifact.Object, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(obj.Key)
	if err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	if err := writeAtomic(full, body); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}

	meta, err := json.MarshalIndent(fileMetadata{
		Key:         obj.Key,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		Metadata:    obj.Metadata,
	}, "", "  ")
	if err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	if err := writeAtomic(full+MetadataSuffix, strings.NewReader(string(meta)+"\n")); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	return nil
}

// Metadata reads back the metadata recorded for key.
func (s *Store) Metadata(key string) (map[string]string, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Metadata", key, err)
	}
	data, err := os.ReadFile(full + MetadataSuffix)
	if err != nil {
		return nil, s.wrapError("Metadata", key, err)
	}
	var meta fileMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, s.wrapError("Metadata", key, err)
	}
	return meta.Metadata, nil
}

type fileMetadata struct {
	Key         string            `json:"key"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func writeAtomic(full string, body io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(full), ".gomatrix-put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, full)
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	// Prevent path traversal.
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &artifact.StoreError{Op: op, Provider: artifact.ProviderFile, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = artifact.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = artifact.ErrAccessDenied
	}
	return wrapped
}
