package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/models"
)

// Closer releases shared resources once the queue drains.
// *postgis.Registry satisfies it.
type Closer interface {
	Close()
}

// Producer runs a production: every job through the retry queue, then
// shutdown of the connection registry whatever the outcome.
type Producer struct {
	queue    *RetryQueue
	registry Closer
	logger   *zap.Logger
}

// NewProducer creates a producer running jobs with run under policy.
func NewProducer(run RunFunc, policy RetryPolicy, registry Closer, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		queue:    NewRetryQueue(run, policy, logger),
		registry: registry,
		logger:   logger.With(zap.String("component", "producer")),
	}
}

// Queue returns the producer's queue.
func (p *Producer) Queue() *RetryQueue { return p.queue }

// Run pushes jobs, waits for the queue to drain and closes the registry.
// It returns an error naming the jobs that failed.
func (p *Producer) Run(ctx context.Context, jobs []*models.TileJob) error {
	defer func() {
		p.registry.Close()
		p.logger.Info("production system shutdown")
	}()

	for _, job := range jobs {
		if err := p.queue.Push(job); err != nil {
			return err
		}
	}

	p.logger.Info("production started", zap.Int("jobs", len(jobs)))
	p.queue.Start(ctx)
	<-p.queue.Drained()

	if failed := p.queue.Failed(); len(failed) > 0 {
		return clearmaperrors.Newf(clearmaperrors.ErrorTypeInternal, "%d of %d jobs failed: %s",
			len(failed), len(jobs), strings.Join(failed, ", ")).
			WithDetail("failed", failed)
	}
	return nil
}
