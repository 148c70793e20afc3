package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/skyfield-eo/granulepush/internal/metrics"
	"github.com/skyfield-eo/granulepush/internal/repository"
	"github.com/skyfield-eo/granulepush/internal/tracing"
	"github.com/skyfield-eo/granulepush/pkg/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator drives one invocation through
// Uploading -> Gating -> Releasing -> Done, detouring through Notifying into
// Failed from any step. Everything externally visible along the way is
// idempotent, so the scheduler can rerun the whole machine from the top.
type Coordinator interface {
	Run(ctx context.Context, item *domain.WorkItem) (*domain.RunReport, error)
}

type coordinator struct {
	uploads  UploadService
	ledger   repository.LedgerRepository
	notifier NotifierService
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(uploads UploadService, ledger repository.LedgerRepository, notifier NotifierService, logger *slog.Logger, now func() time.Time) Coordinator {
	if now == nil {
		now = time.Now
	}
	return &coordinator{uploads: uploads, ledger: ledger, notifier: notifier, logger: logger, now: now}
}

func (c *coordinator) Run(ctx context.Context, item *domain.WorkItem) (*domain.RunReport, error) {
	ctx, span := otel.Tracer("granulepush/coordinator").Start(ctx, "granulepush.invocation",
		trace.WithAttributes(
			attribute.String("granulepush.reservation_id", item.ReservationID),
			attribute.Int("granulepush.job_index", item.JobIndex),
			attribute.Int("granulepush.last_job_index", item.LastJobIndex),
			attribute.String("granulepush.dataset", item.DatasetLabel),
			attribute.String("granulepush.processing_type", string(item.ProcessingType)),
		),
	)
	defer span.End()

	report := &domain.RunReport{Phase: domain.PhaseUploading}

	up, err := c.phaseUpload(ctx, item)
	if err != nil {
		return c.fail(ctx, span, item, report, domain.CauseUpload, err)
	}
	report.Uploaded = up.Uploaded
	report.Verified = up.Verified
	report.Bytes = up.Bytes

	// Uploader-only mode: no reservation to account for, nothing to gate.
	if item.ReservationID == "" {
		report.Phase = domain.PhaseDone
		span.SetStatus(codes.Ok, "")
		return report, nil
	}

	report.Phase = domain.PhaseGating
	terminal, err := IsTerminal(item.JobIndex, item.LastJobIndex)
	if err != nil {
		return c.fail(ctx, span, item, report, domain.CauseGate, err)
	}
	report.Terminal = terminal
	span.SetAttributes(attribute.Bool("granulepush.terminal", terminal))
	if !terminal {
		// Non-terminal workers never touch the ledger.
		report.Phase = domain.PhaseDone
		span.SetStatus(codes.Ok, "")
		c.logger.Info("not the terminal worker; reservation left to the last index",
			"jobIndex", item.JobIndex, "lastJobIndex", item.LastJobIndex)
		return report, nil
	}

	report.Phase = domain.PhaseReleasing
	rel, err := c.phaseRelease(ctx, item)
	if err != nil {
		return c.fail(ctx, span, item, report, domain.CauseRelease, err)
	}
	report.ReleaseResult = rel

	report.Phase = domain.PhaseDone
	span.SetStatus(codes.Ok, "")
	return report, nil
}

func (c *coordinator) phaseUpload(ctx context.Context, item *domain.WorkItem) (*UploadResult, error) {
	ctx, span := otel.Tracer("granulepush/coordinator").Start(ctx, "granulepush.upload")
	defer span.End()
	start := c.now()

	up, err := c.uploads.Upload(ctx, item)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.PhaseDurationSeconds.WithLabelValues(string(domain.PhaseUploading), status).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}
	return up, nil
}

func (c *coordinator) phaseRelease(ctx context.Context, item *domain.WorkItem) (*domain.ReleaseResult, error) {
	ctx, span := otel.Tracer("granulepush/coordinator").Start(ctx, "granulepush.release")
	defer span.End()
	start := c.now()

	rel, err := c.ledger.Release(ctx, item.ReservationID)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ReleaseOutcomeTotal.WithLabelValues("error").Inc()
	} else {
		switch rel.Outcome {
		case domain.AlreadyReleased:
			metrics.ReleaseOutcomeTotal.WithLabelValues("already_released").Inc()
			c.logger.Info("reservation was already released; idempotent re-entry", "reservation", item.ReservationID)
		default:
			metrics.ReleaseOutcomeTotal.WithLabelValues("released_now").Inc()
			c.logger.Info("reservation released",
				"reservation", item.ReservationID,
				"datasetSeats", rel.DatasetSeats,
				"floatingSeats", rel.FloatingSeats,
			)
		}
	}
	metrics.PhaseDurationSeconds.WithLabelValues(string(domain.PhaseReleasing), status).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// fail absorbs any step into Failed, routing through Notifying first.
func (c *coordinator) fail(ctx context.Context, span trace.Span, item *domain.WorkItem, report *domain.RunReport, cause domain.FailureCause, err error) (*domain.RunReport, error) {
	c.logger.Error("invocation failed", "phase", report.Phase, "cause", cause, "err", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(cause))

	report.Phase = domain.PhaseNotifying
	report.Cause = cause
	if c.notifier != nil {
		c.notifier.NotifyFailure(ctx, domain.FailureEvent{
			EventID:        uuid.NewString(),
			ReservationID:  item.ReservationID,
			JobIndex:       item.JobIndex,
			Cause:          cause,
			Message:        err.Error(),
			Dataset:        item.DatasetLabel,
			ProcessingType: item.ProcessingType,
			TraceParent:    tracing.TraceParent(ctx),
			Timestamp:      c.now().UTC(),
		})
	}
	report.Phase = domain.PhaseFailed
	return report, err
}
