// Package pipeline streams extracted features into the tile builder under
// flow control and supervises tile build jobs and their retries.
package pipeline

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	cmjson "github.com/ajitpratap0/clearmap/pkg/json"
	"github.com/ajitpratap0/clearmap/pkg/metrics"
	"github.com/ajitpratap0/clearmap/pkg/models"
)

// FramePrefix starts every frame: the ASCII record separator.
var FramePrefix = []byte{0x1e}

// BackpressureStats counts what a BackpressureWriter has sent.
type BackpressureStats struct {
	Frames int64
	Bytes  int64
	Waits  int64
}

// BackpressureWriter frames features onto a Sink, one at a time, suspending
// the producer whenever the sink reports it is full.
type BackpressureWriter struct {
	sink   Sink
	logger *zap.Logger

	frames atomic.Int64
	bytes  atomic.Int64
	waits  atomic.Int64
}

// NewBackpressureWriter creates a writer over sink.
func NewBackpressureWriter(sink Sink, logger *zap.Logger) *BackpressureWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackpressureWriter{sink: sink, logger: logger}
}

// Send writes f as one frame: the record separator, the feature as single
// line JSON and a newline. If the sink is full afterwards, Send returns only
// once it has drained or ctx is done, so at most one frame is ever queued
// beyond the sink's high-water mark.
func (w *BackpressureWriter) Send(ctx context.Context, f *models.Feature) error {
	frame, err := cmjson.EncodeFrame(FramePrefix, f)
	if err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeData, "failed to encode feature")
	}

	ready, err := w.sink.Write(frame)
	if err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeSink, "failed to write feature")
	}
	w.frames.Add(1)
	w.bytes.Add(int64(len(frame)))

	if ready {
		return nil
	}

	w.waits.Add(1)
	metrics.SinkWaits.Inc()
	select {
	case <-w.sink.Drained():
		return nil
	case <-ctx.Done():
		return clearmaperrors.Wrap(ctx.Err(), clearmaperrors.ErrorTypeSink, "cancelled waiting for sink to drain")
	}
}

// Stats returns the counters.
func (w *BackpressureWriter) Stats() BackpressureStats {
	return BackpressureStats{
		Frames: w.frames.Load(),
		Bytes:  w.bytes.Load(),
		Waits:  w.waits.Load(),
	}
}
