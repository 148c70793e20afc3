package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/skyfield-eo/granulepush/internal/metrics"
	"github.com/skyfield-eo/granulepush/internal/providers"
	"github.com/skyfield-eo/granulepush/internal/tracing"
	"github.com/skyfield-eo/granulepush/pkg/domain"

	"github.com/google/uuid"
)

type UploadResult struct {
	Uploaded int   // objects written this run
	Verified int   // already-correct objects confirmed in place
	Bytes    int64 // bytes actually written (verified objects count zero)
}

type UploadService interface {
	Upload(ctx context.Context, item *domain.WorkItem) (*UploadResult, error)
}

type uploadService struct {
	store    providers.ObjectStore
	notifier NotifierService
	logger   *slog.Logger
	now      func() time.Time
}

func NewUploadService(store providers.ObjectStore, notifier NotifierService, logger *slog.Logger, now func() time.Time) UploadService {
	if now == nil {
		now = time.Now
	}
	return &uploadService{store: store, notifier: notifier, logger: logger, now: now}
}

type stagedEntry struct {
	domain.ManifestEntry
	localPath string
	md5hex    string
	size      int64
}

func (s *uploadService) Upload(ctx context.Context, item *domain.WorkItem) (*UploadResult, error) {
	m, err := domain.LoadManifest(item.ManifestPath)
	if err != nil {
		return nil, err
	}
	shard, err := m.Shard(item.JobIndex)
	if err != nil {
		return nil, err
	}

	// Stage the whole shard first: every local file must exist and hash
	// before a single byte goes out, so a bad shard never half-uploads.
	staged := make([]stagedEntry, 0, len(shard))
	for _, e := range shard {
		se, err := s.stage(item, e)
		if err != nil {
			metrics.ArtifactsTotal.WithLabelValues(item.DatasetLabel, string(item.ProcessingType), "failed").Inc()
			return nil, err
		}
		staged = append(staged, se)
	}

	res := &UploadResult{}
	for _, se := range staged {
		if err := s.push(ctx, item, se, res); err != nil {
			metrics.ArtifactsTotal.WithLabelValues(item.DatasetLabel, string(item.ProcessingType), "failed").Inc()
			return res, fmt.Errorf("entry %s: %w", se.Key, err)
		}
	}
	s.logger.Info("shard uploaded",
		"jobIndex", item.JobIndex,
		"uploaded", res.Uploaded,
		"verified", res.Verified,
		"bytes", res.Bytes,
	)
	return res, nil
}

func (s *uploadService) stage(item *domain.WorkItem, e domain.ManifestEntry) (stagedEntry, error) {
	localPath := filepath.Join(item.DataDir, filepath.FromSlash(e.Local))
	fi, err := os.Stat(localPath)
	if err != nil {
		return stagedEntry{}, fmt.Errorf("entry %s: local file %s: %w", e.Key, e.Local, err)
	}
	sum := e.MD5
	if sum == "" {
		sum, err = sidecarMD5(localPath)
		if err != nil {
			return stagedEntry{}, fmt.Errorf("entry %s: %w", e.Key, err)
		}
	}
	if sum == "" {
		sum, err = fileMD5(localPath)
		if err != nil {
			return stagedEntry{}, fmt.Errorf("entry %s: %w", e.Key, err)
		}
	}
	return stagedEntry{ManifestEntry: e, localPath: localPath, md5hex: sum, size: fi.Size()}, nil
}

// push writes one entry and confirms it landed intact. An object that is
// already correct is verified but not rewritten; that keeps a rerun of a
// previously-successful shard a cheap no-op.
func (s *uploadService) push(ctx context.Context, item *domain.WorkItem, se stagedEntry, res *UploadResult) error {
	key := objectKey(item, se.Key)

	remote, err := s.store.Stat(ctx, key)
	if err == nil && remote.MD5 == se.md5hex {
		res.Verified++
		metrics.ArtifactsTotal.WithLabelValues(item.DatasetLabel, string(item.ProcessingType), "verified").Inc()
		s.announce(ctx, item, key, remote)
		return nil
	}
	if err != nil && err != providers.ErrObjectNotFound {
		return fmt.Errorf("stat before upload: %w", err)
	}

	f, err := os.Open(se.localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", se.Local, err)
	}
	put, err := s.store.Put(ctx, key, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	if put.MD5 != se.md5hex {
		return fmt.Errorf("checksum mismatch after upload: local %s, stored %s", se.md5hex, put.MD5)
	}

	// Confirm what is actually at the key, not just what the write reported.
	remote, err = s.store.Stat(ctx, key)
	if err != nil {
		return fmt.Errorf("verify after upload: %w", err)
	}
	if remote.MD5 != se.md5hex {
		return fmt.Errorf("verify mismatch: local %s, remote %s", se.md5hex, remote.MD5)
	}

	res.Uploaded++
	res.Bytes += put.Size
	metrics.ArtifactsTotal.WithLabelValues(item.DatasetLabel, string(item.ProcessingType), "uploaded").Inc()
	metrics.UploadBytesTotal.WithLabelValues(item.DatasetLabel).Add(float64(put.Size))
	s.logger.Info("file uploaded", "key", key, "bytes", put.Size)
	s.announce(ctx, item, key, remote)
	return nil
}

// announce publishes the ingest notification for one verified object.
// Checksum sidecars ride along with their data file and get no event of
// their own.
func (s *uploadService) announce(ctx context.Context, item *domain.WorkItem, key string, info *providers.ObjectInfo) {
	if s.notifier == nil || strings.HasSuffix(key, ".md5") {
		return
	}
	base := path.Base(key)
	s.notifier.NotifyIngest(ctx, domain.IngestEvent{
		EventID:        uuid.NewString(),
		Identifier:     strings.TrimSuffix(base, path.Ext(base)),
		URI:            info.URI,
		Checksum:       info.MD5,
		ChecksumType:   "md5",
		Size:           info.Size,
		Dataset:        item.DatasetLabel,
		ProcessingType: item.ProcessingType,
		Trace:          item.Prefix,
		TraceParent:    tracing.TraceParent(ctx),
		SubmissionTime: s.now().UTC(),
	})
}

func objectKey(item *domain.WorkItem, key string) string {
	return path.Join(item.Prefix+"-granules", key)
}

func sidecarMD5(localPath string) (string, error) {
	data, err := os.ReadFile(localPath + ".md5")
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read checksum sidecar: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || len(fields[0]) != 32 {
		return "", fmt.Errorf("malformed checksum sidecar %s.md5", filepath.Base(localPath))
	}
	return strings.ToLower(fields[0]), nil
}

func fileMD5(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(localPath), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
