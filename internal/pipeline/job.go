package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/logger"
	"github.com/ajitpratap0/clearmap/pkg/metrics"
	"github.com/ajitpratap0/clearmap/pkg/models"
	"github.com/ajitpratap0/clearmap/pkg/postgis"
	"github.com/ajitpratap0/clearmap/pkg/publish"
)

const tracerName = "github.com/ajitpratap0/clearmap/internal/pipeline"

// Extractor streams the rows of a relation batch by batch.
// *postgis.Extractor satisfies it.
type Extractor interface {
	Extract(ctx context.Context, rel models.Relation, handle postgis.BatchHandler) (postgis.ExtractStats, error)
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Relations []models.Relation
	// StrictExitStatus fails an attempt whose tile builder exits non-zero.
	// Otherwise the output is finalized regardless and a warning logged.
	StrictExitStatus bool
	// MinFreeBytes is the free space below which a warning is logged before
	// the build starts. Zero uses DefaultMinFreeBytes.
	MinFreeBytes uint64
}

// Builder runs tile job attempts: every relation streamed into one tile
// builder process, whose output is then renamed into place.
type Builder struct {
	cfg         BuilderConfig
	extractor   Extractor
	transformer *FeatureTransformer
	launcher    Launcher
	publisher   publish.Publisher
	logger      *zap.Logger
}

// NewBuilder creates a Builder. A nil publisher publishes nothing.
func NewBuilder(cfg BuilderConfig, extractor Extractor, transformer *FeatureTransformer, launcher Launcher, publisher publish.Publisher, logger *zap.Logger) *Builder {
	if publisher == nil {
		publisher = publish.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = DefaultMinFreeBytes
	}
	return &Builder{
		cfg:         cfg,
		extractor:   extractor,
		transformer: transformer,
		launcher:    launcher,
		publisher:   publisher,
		logger:      logger.With(zap.String("component", "tile_builder")),
	}
}

// Run executes one attempt of job. On success the artifact is at
// job.FinalPath; on failure the temporary output has been removed and the
// process reaped.
func (b *Builder) Run(ctx context.Context, job *models.TileJob, attempt int) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "job.attempt")
	span.SetAttributes(attribute.String("job_key", job.Key), attribute.Int("attempt", attempt))

	ctx = logger.ContextWithJob(ctx, job.Key)
	timer := metrics.NewTimer()
	log := logger.WithContext(ctx, b.logger).With(zap.Int("attempt", attempt))

	defer func() {
		if err != nil {
			job.SetState(models.JobStateFailed)
			err = withJob(err, job.Key)
			log.Error("job attempt failed", zap.Duration("duration", timer.Stop()), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	job.SetState(models.JobStateRunning)
	log.Info("job started", zap.String("output", job.TempPath))
	checkFreeSpace(filepath.Dir(job.TempPath), b.cfg.MinFreeBytes, log)

	sink, err := b.launcher.Launch(ctx, job.TempPath)
	if err != nil {
		return err
	}

	writer := NewBackpressureWriter(sink, log)
	streamErr := b.stream(ctx, writer, log)

	// End always runs so the process sees end of input and can exit.
	if endErr := sink.End(); endErr != nil {
		if streamErr == nil {
			streamErr = endErr
		} else {
			log.Warn("failed to end tile builder input", zap.Error(endErr))
		}
	}

	job.SetState(models.JobStateAwaitingExit)
	status, waitErr := sink.Wait(ctx)

	if streamErr != nil {
		if waitErr != nil {
			log.Warn("failed waiting for tile builder", zap.Error(waitErr))
		}
		b.removeTemp(job, log)
		return streamErr
	}
	if waitErr != nil {
		b.removeTemp(job, log)
		return clearmaperrors.Wrap(waitErr, clearmaperrors.ErrorTypeProcess, "tile builder did not exit")
	}
	if !status.Success() {
		if b.cfg.StrictExitStatus {
			b.removeTemp(job, log)
			return clearmaperrors.Newf(clearmaperrors.ErrorTypeProcess, "tile builder failed: %s", status).
				WithDetail("exit_code", status.Code)
		}
		log.Warn("tile builder exited unsuccessfully, finalizing anyway", zap.Int("exit_code", status.Code))
	}

	job.SetState(models.JobStateFinalizing)
	if err := os.Rename(job.TempPath, job.FinalPath); err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeFile, "failed to finalize artifact").
			WithDetail("from", job.TempPath).
			WithDetail("to", job.FinalPath)
	}

	info, err := os.Stat(job.FinalPath)
	if err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeFile, "failed to stat artifact").
			WithDetail("path", job.FinalPath)
	}
	size := uint64(info.Size()) //nolint:gosec // G115: file sizes are non-negative

	if err := b.publisher.Publish(ctx, job.Key, job.FinalPath); err != nil {
		return err
	}

	duration := timer.Stop()
	metrics.ArtifactBytes.Set(float64(size))
	metrics.JobDuration.Observe(duration.Seconds())
	job.SetState(models.JobStateDone)

	stats := writer.Stats()
	log.Info("job finished",
		zap.String("output", job.FinalPath),
		zap.Uint64("size_bytes", size),
		zap.String("size", humanize.Bytes(size)),
		zap.Int64("features", stats.Frames),
		zap.Int64("sink_waits", stats.Waits),
		zap.Duration("duration", duration))
	return nil
}

// stream sends every relation, in order, through writer.
func (b *Builder) stream(ctx context.Context, writer *BackpressureWriter, log *zap.Logger) error {
	for _, rel := range b.cfg.Relations {
		emitted := metrics.FeaturesEmitted.WithLabelValues(rel.Database, rel.Table)
		handle := func(ctx context.Context, batch models.Batch) error {
			for _, row := range batch {
				f, err := b.transformer.Transform(rel, row)
				if err != nil {
					return err
				}
				if f == nil {
					continue
				}
				if err := writer.Send(ctx, f); err != nil {
					return err
				}
				emitted.Inc()
			}
			return nil
		}

		stats, err := b.extractor.Extract(ctx, rel, handle)
		if err != nil {
			return err
		}
		log.Debug("relation streamed",
			zap.String("relation", rel.String()),
			zap.Int("rows", stats.Rows),
			zap.Int("batches", stats.Batches))
	}
	return nil
}

func (b *Builder) removeTemp(job *models.TileJob, log *zap.Logger) {
	if err := os.Remove(job.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove partial artifact", zap.String("path", job.TempPath), zap.Error(err))
	}
}

func withJob(err error, key string) error {
	var e *clearmaperrors.Error
	if errors.As(err, &e) {
		if _, ok := e.Details["job_key"]; !ok {
			e.WithDetail("job_key", key)
		}
		return err
	}
	return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeInternal, "job attempt failed").
		WithDetail("job_key", key)
}
