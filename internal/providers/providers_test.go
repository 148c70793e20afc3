package providers

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStorePutAndStat(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	data := []byte("granule bytes")
	put, err := store.Put(ctx, "ops-granules/2024/123/file.nc", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	wantMD5 := md5.Sum(data)
	if put.MD5 != hex.EncodeToString(wantMD5[:]) {
		t.Errorf("Put MD5 = %s, want %s", put.MD5, hex.EncodeToString(wantMD5[:]))
	}
	if put.Size != int64(len(data)) {
		t.Errorf("Put Size = %d, want %d", put.Size, len(data))
	}

	got, err := store.Stat(ctx, "ops-granules/2024/123/file.nc")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got.MD5 != put.MD5 || got.Size != put.Size {
		t.Errorf("Stat = %+v, want match of %+v", got, put)
	}
	if !strings.HasPrefix(got.URI, "file://") {
		t.Errorf("URI = %q, want file:// scheme", got.URI)
	}
}

func TestLocalStoreStatMissing(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	_, err := store.Stat(context.Background(), "nope/missing.nc")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Stat err = %v, want ErrObjectNotFound", err)
	}
}

func TestLocalStorePutOverwritesByKey(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Put(ctx, "k/file.nc", strings.NewReader("old")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := store.Put(ctx, "k/file.nc", strings.NewReader("new")); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, err := store.Stat(ctx, "k/file.nc")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	want := md5.Sum([]byte("new"))
	if got.MD5 != hex.EncodeToString(want[:]) {
		t.Error("second Put should replace the object")
	}
}

func TestLocalStorePutLeavesNoTempDebris(t *testing.T) {
	root := t.TempDir()
	store := NewLocalStore(root)
	if _, err := store.Put(context.Background(), "a/b.nc", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "a"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".put-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
