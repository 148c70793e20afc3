package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/skyfield-eo/granulepush/internal/providers"
	"github.com/skyfield-eo/granulepush/pkg/domain"
)

type captureNotifier struct {
	mu       sync.Mutex
	failures []domain.FailureEvent
	ingests  []domain.IngestEvent
}

func (c *captureNotifier) NotifyFailure(_ context.Context, ev domain.FailureEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, ev)
}

func (c *captureNotifier) NotifyIngest(_ context.Context, ev domain.IngestEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ingests = append(c.ingests, ev)
}

// uploadFixture lays out a data dir with granule files plus .md5 sidecars and
// a manifest whose shard 0 covers them.
func uploadFixture(t *testing.T, files map[string]string) (*domain.WorkItem, providers.ObjectStore, string) {
	t.Helper()
	dataDir := t.TempDir()
	storeDir := t.TempDir()

	var entries []domain.ManifestEntry
	for name, content := range files {
		p := filepath.Join(dataDir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		sum := md5.Sum([]byte(content))
		if err := os.WriteFile(p+".md5", []byte(hex.EncodeToString(sum[:])+"  "+name+"\n"), 0o644); err != nil {
			t.Fatalf("write sidecar: %v", err)
		}
		entries = append(entries, domain.ManifestEntry{Local: name, Key: "2024/123/" + name})
		entries = append(entries, domain.ManifestEntry{Local: name + ".md5", Key: "2024/123/" + name + ".md5"})
	}

	manifest := domain.Manifest{entries}
	b, _ := json.Marshal(manifest)
	manifestPath := filepath.Join(dataDir, "input.json")
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	item := &domain.WorkItem{
		ReservationID:  "run-1",
		Prefix:         "ops",
		JobIndex:       0,
		LastJobIndex:   domain.NoArray,
		ManifestPath:   manifestPath,
		DataDir:        dataDir,
		ProcessingType: domain.ProcessingQuicklook,
		DatasetLabel:   "viirs",
	}
	return item, providers.NewLocalStore(storeDir), storeDir
}

func TestUploadShard(t *testing.T) {
	item, store, _ := uploadFixture(t, map[string]string{"granule-a.nc": "aaaa", "granule-b.nc": "bbbb"})
	notifier := &captureNotifier{}
	svc := NewUploadService(store, notifier, slog.Default(), nil)

	res, err := svc.Upload(context.Background(), item)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Uploaded != 4 || res.Verified != 0 {
		t.Errorf("Uploaded/Verified = %d/%d, want 4/0", res.Uploaded, res.Verified)
	}

	info, err := store.Stat(context.Background(), "ops-granules/2024/123/granule-a.nc")
	if err != nil {
		t.Fatalf("Stat uploaded object: %v", err)
	}
	want := md5.Sum([]byte("aaaa"))
	if info.MD5 != hex.EncodeToString(want[:]) {
		t.Errorf("stored MD5 = %s, want %s", info.MD5, hex.EncodeToString(want[:]))
	}

	// Sidecars ride along but only data files get ingest events.
	if len(notifier.ingests) != 2 {
		t.Fatalf("ingest events = %d, want 2", len(notifier.ingests))
	}
	for _, ev := range notifier.ingests {
		if strings.HasSuffix(ev.URI, ".md5") {
			t.Errorf("sidecar announced: %s", ev.URI)
		}
		if ev.ChecksumType != "md5" || ev.Checksum == "" {
			t.Errorf("event missing integrity marker: %+v", ev)
		}
	}
}

func TestUploadRerunVerifiesWithoutRewriting(t *testing.T) {
	item, store, _ := uploadFixture(t, map[string]string{"granule-a.nc": "aaaa"})
	svc := NewUploadService(store, &captureNotifier{}, slog.Default(), nil)
	ctx := context.Background()

	if _, err := svc.Upload(ctx, item); err != nil {
		t.Fatalf("first Upload: %v", err)
	}
	res, err := svc.Upload(ctx, item)
	if err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if res.Uploaded != 0 {
		t.Errorf("rerun Uploaded = %d, want 0", res.Uploaded)
	}
	if res.Verified != 2 {
		t.Errorf("rerun Verified = %d, want 2 (must still verify, not skip)", res.Verified)
	}
	if res.Bytes != 0 {
		t.Errorf("rerun Bytes = %d, want 0", res.Bytes)
	}
}

func TestUploadMissingLocalFailsClosed(t *testing.T) {
	item, store, storeDir := uploadFixture(t, map[string]string{"granule-a.nc": "aaaa"})

	// Reference a file the processor never produced.
	m := domain.Manifest{{
		{Local: "granule-a.nc", Key: "2024/123/granule-a.nc"},
		{Local: "ghost.nc", Key: "2024/123/ghost.nc"},
	}}
	b, _ := json.Marshal(m)
	if err := os.WriteFile(item.ManifestPath, b, 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	svc := NewUploadService(store, &captureNotifier{}, slog.Default(), nil)
	_, err := svc.Upload(context.Background(), item)
	if err == nil {
		t.Fatal("Upload should fail on missing local file")
	}
	if !strings.Contains(err.Error(), "ghost.nc") {
		t.Errorf("error should name the failing entry, got: %v", err)
	}

	// Fail-closed also means no partial upload of the healthy entry.
	if _, err := os.Stat(filepath.Join(storeDir, "ops-granules/2024/123/granule-a.nc")); !os.IsNotExist(err) {
		t.Error("no byte should go out when staging fails")
	}
}

func TestUploadCorruptObjectRewritten(t *testing.T) {
	item, store, _ := uploadFixture(t, map[string]string{"granule-a.nc": "aaaa"})
	svc := NewUploadService(store, &captureNotifier{}, slog.Default(), nil)
	ctx := context.Background()

	// A truncated previous attempt sits under the final key.
	if _, err := store.Put(ctx, "ops-granules/2024/123/granule-a.nc", strings.NewReader("aa")); err != nil {
		t.Fatalf("seed corrupt object: %v", err)
	}

	res, err := svc.Upload(ctx, item)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Uploaded != 2 {
		t.Errorf("Uploaded = %d, want 2 (corrupt object must be replaced)", res.Uploaded)
	}
	info, _ := store.Stat(ctx, "ops-granules/2024/123/granule-a.nc")
	want := md5.Sum([]byte("aaaa"))
	if info.MD5 != hex.EncodeToString(want[:]) {
		t.Error("corrupt object not repaired")
	}
}

func TestUploadShardIndexOutOfRange(t *testing.T) {
	item, store, _ := uploadFixture(t, map[string]string{"granule-a.nc": "aaaa"})
	item.JobIndex = 5

	svc := NewUploadService(store, &captureNotifier{}, slog.Default(), nil)
	if _, err := svc.Upload(context.Background(), item); err == nil {
		t.Fatal("Upload should fail when the shard index is outside the manifest")
	}
}

func TestUploadManifestChecksumWins(t *testing.T) {
	item, store, _ := uploadFixture(t, map[string]string{"granule-a.nc": "aaaa"})

	// Manifest pins a checksum the local file does not match.
	m := domain.Manifest{{
		{Local: "granule-a.nc", Key: "2024/123/granule-a.nc", MD5: strings.Repeat("0", 32)},
	}}
	b, _ := json.Marshal(m)
	if err := os.WriteFile(item.ManifestPath, b, 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	svc := NewUploadService(store, &captureNotifier{}, slog.Default(), nil)
	_, err := svc.Upload(context.Background(), item)
	if err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("want checksum mismatch error, got: %v", err)
	}
}
