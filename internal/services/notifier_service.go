package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/skyfield-eo/granulepush/internal/metrics"
	"github.com/skyfield-eo/granulepush/internal/ratelimit"
	"github.com/skyfield-eo/granulepush/pkg/domain"

	"github.com/go-redis/redis/v8"
)

// NotifierService is the side channel: failures and ingest announcements go
// out best-effort on pub/sub channels with external subscribers. A publish
// failure is logged and swallowed; an invocation never fails because its
// notification did.
type NotifierService interface {
	NotifyFailure(ctx context.Context, ev domain.FailureEvent)
	NotifyIngest(ctx context.Context, ev domain.IngestEvent)
}

type notifierService struct {
	rdb       *redis.Client
	logger    *slog.Logger
	limiter   ratelimit.Limiter
	bucket    ratelimit.Bucket
	failureCh string
	ingestCh  string
}

func NewNotifierService(rdb *redis.Client, logger *slog.Logger, limiter ratelimit.Limiter, bucket ratelimit.Bucket, failureCh, ingestCh string) NotifierService {
	if failureCh == "" {
		failureCh = "granulepush:events:failures"
	}
	if ingestCh == "" {
		ingestCh = "granulepush:events:ingest"
	}
	return &notifierService{
		rdb:       rdb,
		logger:    logger,
		limiter:   limiter,
		bucket:    bucket,
		failureCh: failureCh,
		ingestCh:  ingestCh,
	}
}

func (n *notifierService) NotifyFailure(ctx context.Context, ev domain.FailureEvent) {
	metrics.FailureEventsTotal.WithLabelValues(string(ev.Cause)).Inc()
	n.publish(ctx, n.failureCh, ev.ReservationID, ev)
}

func (n *notifierService) NotifyIngest(ctx context.Context, ev domain.IngestEvent) {
	n.publish(ctx, n.ingestCh, ev.Dataset, ev)
}

func (n *notifierService) publish(ctx context.Context, channel, subject string, payload any) {
	if n.rdb == nil {
		return
	}
	if n.limiter != nil {
		d, err := n.limiter.Allow(ctx, "events", subject, n.bucket)
		if err != nil {
			n.logger.Warn("event rate limiter unavailable; publishing anyway", "err", err)
		} else if !d.Allowed {
			n.logger.Warn("event suppressed by rate limit", "channel", channel, "subject", subject, "retryAfter", d.RetryAfter)
			return
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("event marshal failed", "channel", channel, "err", err)
		return
	}
	if err := n.rdb.Publish(ctx, channel, b).Err(); err != nil {
		n.logger.Warn("event publish failed", "channel", channel, "err", err)
		return
	}
	n.logger.Debug("event published", "channel", channel)
}
