package providers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key  string
	URI  string
	Size int64
	MD5  string
}

// ObjectStore is the write-and-verify surface the uploader needs. Put is
// idempotent per key; Stat is how an upload is confirmed, so implementations
// must report the checksum of what is actually stored.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) (*ObjectInfo, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	URI(key string) string
}

type localStore struct {
	rootDir string
}

// NewLocalStore keeps objects on the filesystem under rootDir. It stands in
// for the bucket service in tests and single-host deployments.
func NewLocalStore(rootDir string) ObjectStore {
	return &localStore{rootDir: rootDir}
}

func (s *localStore) path(key string) string {
	return filepath.Join(s.rootDir, filepath.FromSlash(key))
}

func (s *localStore) URI(key string) string {
	abs, err := filepath.Abs(s.path(key))
	if err != nil {
		abs = s.path(key)
	}
	return "file://" + abs
}

func (s *localStore) Put(ctx context.Context, key string, r io.Reader) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for %s: %w", key, err)
	}
	// Write to a temp file and rename so a killed invocation never leaves a
	// truncated object under the final key.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return nil, fmt.Errorf("temp for %s: %w", key, err)
	}
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("commit %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, URI: s.URI(key), Size: n, MD5: hex.EncodeToString(h.Sum(nil))}, nil
}

func (s *localStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, URI: s.URI(key), Size: n, MD5: hex.EncodeToString(h.Sum(nil))}, nil
}
