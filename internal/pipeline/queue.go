package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/metrics"
	"github.com/ajitpratap0/clearmap/pkg/models"
)

// RunFunc runs one attempt of a job. Attempts are numbered from 1.
type RunFunc func(ctx context.Context, job *models.TileJob, attempt int) error

// RetryPolicy bounds job retries.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
}

// DefaultRetryPolicy allows three retries one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Delay: time.Second}
}

// RetryQueue runs jobs one at a time in push order, retrying each failed job
// as a whole. Drained is closed once the queue has been started and has
// nothing left to run.
type RetryQueue struct {
	run    RunFunc
	policy RetryPolicy
	logger *zap.Logger

	mu         sync.Mutex
	pending    []*models.TileJob
	inProgress []string
	failed     []string
	succeeded  []string
	started    bool
	closed     bool
	drained    chan struct{}
}

// NewRetryQueue creates a stopped queue.
func NewRetryQueue(run RunFunc, policy RetryPolicy, logger *zap.Logger) *RetryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &RetryQueue{
		run:     run,
		policy:  policy,
		logger:  logger.With(zap.String("component", "retry_queue")),
		drained: make(chan struct{}),
	}
}

// Push appends job. Pushing after the queue drained is an error.
func (q *RetryQueue) Push(job *models.TileJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return clearmaperrors.New(clearmaperrors.ErrorTypeValidation, "queue already drained").
			WithDetail("job_key", job.Key)
	}
	job.SetState(models.JobStateQueued)
	q.pending = append(q.pending, job)
	return nil
}

// Start launches the worker. Starting twice is a no-op. Cancelling ctx
// fails the running job and every pending one, then drains the queue.
func (q *RetryQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	q.started = true
	go q.work(ctx)
}

// Drained returns a channel closed when the queue has drained.
func (q *RetryQueue) Drained() <-chan struct{} {
	return q.drained
}

// InProgress returns the keys of running jobs.
func (q *RetryQueue) InProgress() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.inProgress...)
}

// Failed returns the keys of jobs that exhausted their retries.
func (q *RetryQueue) Failed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.failed...)
}

// Succeeded returns the keys of completed jobs.
func (q *RetryQueue) Succeeded() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.succeeded...)
}

func (q *RetryQueue) work(ctx context.Context) {
	for {
		job := q.next(ctx)
		if job == nil {
			q.logger.Info("queue drained",
				zap.Strings("succeeded", q.Succeeded()),
				zap.Strings("failed", q.Failed()))
			close(q.drained)
			return
		}
		q.process(ctx, job)
	}
}

// next pops the next job, or marks the queue closed and returns nil when
// there is none. Jobs left when ctx is done are failed without running.
func (q *RetryQueue) next(ctx context.Context) *models.TileJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ctx.Err() != nil {
		for _, job := range q.pending {
			job.SetState(models.JobStateFailed)
			q.failed = append(q.failed, job.Key)
			q.logger.Warn("job cancelled before start", zap.String("job_key", job.Key))
		}
		q.pending = nil
	}

	if len(q.pending) == 0 {
		q.closed = true
		return nil
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inProgress = append(q.inProgress, job.Key)
	return job
}

func (q *RetryQueue) process(ctx context.Context, job *models.TileJob) {
	log := q.logger.With(zap.String("job_key", job.Key))
	maxAttempts := q.policy.MaxRetries + 1

	metrics.JobsInProgress.Inc()
	log.Info("job dequeued", zap.Strings("in_progress", q.InProgress()))

	attempt := 0
	operation := func() error {
		attempt++
		err := q.attempt(ctx, job, attempt)
		if err == nil {
			metrics.JobAttempts.WithLabelValues(metrics.StatusSuccess).Inc()
			return nil
		}
		metrics.JobAttempts.WithLabelValues(metrics.StatusFailure).Inc()
		if !clearmaperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(q.policy.Delay), uint64(q.policy.MaxRetries)), //nolint:gosec // G115: clamped to >= 0
		ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn("retrying job",
			zap.String("attempt", attemptLabel(attempt, maxAttempts)),
			zap.Duration("delay", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, policy, notify)

	metrics.JobsInProgress.Dec()
	q.mu.Lock()
	q.inProgress = remove(q.inProgress, job.Key)
	if err != nil {
		q.failed = append(q.failed, job.Key)
	} else {
		q.succeeded = append(q.succeeded, job.Key)
	}
	q.mu.Unlock()

	if err != nil {
		job.SetState(models.JobStateFailed)
		log.Error("job failed", zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	log.Info("job succeeded", zap.Int("attempts", attempt), zap.Strings("in_progress", q.InProgress()))
}

// attempt runs one attempt, turning a panic into an error so a crashing
// job is retried like a failing one.
func (q *RetryQueue) attempt(ctx context.Context, job *models.TileJob, attempt int) (err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		err = q.run(ctx, job, attempt)
	})
	if r := catcher.Recovered(); r != nil {
		job.SetState(models.JobStateFailed)
		err = clearmaperrors.Wrap(r.AsError(), clearmaperrors.ErrorTypeInternal, "job attempt panicked").
			WithDetail("job_key", job.Key).
			WithDetail("attempt", attempt)
		q.logger.Error("job attempt panicked",
			zap.String("job_key", job.Key),
			zap.Int("attempt", attempt),
			zap.String("stack", string(r.Stack)))
	}
	return err
}

func remove(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

func attemptLabel(attempt, maxAttempts int) string {
	return strconv.Itoa(attempt) + "/" + strconv.Itoa(maxAttempts)
}
