package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/models"
	"github.com/ajitpratap0/clearmap/pkg/testutil"
)

type countingCloser struct{ closed atomic.Int32 }

func (c *countingCloser) Close() { c.closed.Add(1) }

func TestProducerRun(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	registry := &countingCloser{}
	logger, logs := testutil.ObservedLogger()
	run := func(_ context.Context, job *models.TileJob, _ int) error {
		job.SetState(models.JobStateDone)
		return nil
	}
	p := NewProducer(run, RetryPolicy{}, registry, logger)

	jobs := newJobs(t, "0-0-0", "1-0-0")
	require.NoError(t, p.Run(ctx, jobs))

	assert.Equal(t, int32(1), registry.closed.Load())
	assert.Equal(t, []string{"0-0-0", "1-0-0"}, p.Queue().Succeeded())
	assert.Equal(t, 1, logs.FilterMessage("production system shutdown").Len())
}

func TestProducerReportsFailedJobs(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	registry := &countingCloser{}
	run := func(_ context.Context, job *models.TileJob, _ int) error {
		if job.Key == "1-0-0" {
			return errors.New("tile builder failed")
		}
		return nil
	}
	p := NewProducer(run, RetryPolicy{MaxRetries: 1, Delay: time.Millisecond}, registry, testutil.TestLogger(t))

	err := p.Run(ctx, newJobs(t, "0-0-0", "1-0-0", "2-0-0"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 jobs failed: 1-0-0")
	assert.Equal(t, []string{"1-0-0"}, clearmaperrors.DetailsOf(err)["failed"])
	assert.Equal(t, int32(1), registry.closed.Load(), "registry closed even when jobs fail")
}

func TestProducerClosesRegistryWithoutJobs(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	registry := &countingCloser{}
	p := NewProducer(func(context.Context, *models.TileJob, int) error { return nil },
		DefaultRetryPolicy(), registry, nil)
	require.NoError(t, p.Run(ctx, nil))
	assert.Equal(t, int32(1), registry.closed.Load())
}
