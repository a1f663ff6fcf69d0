package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
)

// DefaultHighWaterMark is the number of buffered bytes at which a sink
// reports itself not ready.
const DefaultHighWaterMark = 16 * 1024

// ExitStatus is how the consumer behind a sink terminated.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int
}

// Success reports whether the consumer exited cleanly.
func (s ExitStatus) Success() bool { return s.Code == 0 }

func (s ExitStatus) String() string {
	if s.Code < 0 {
		return "killed"
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Sink is the input of the consumer of the frame stream.
//
// Write queues a frame and reports whether the sink can take more without
// growing its buffer past the high-water mark. After a false return the
// producer must wait on Drained before writing again. End signals end of
// input and flushes what is buffered. Wait blocks until the consumer
// terminates.
type Sink interface {
	Write(frame []byte) (ready bool, err error)
	Drained() <-chan struct{}
	End() error
	Wait(ctx context.Context) (ExitStatus, error)
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// StreamSink is a Sink over an io.WriteCloser. A single goroutine performs
// the writes in order; Write only queues.
type StreamSink struct {
	w   io.WriteCloser
	hwm int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	pending int
	drained chan struct{}
	err     error
	ended   bool

	wg       conc.WaitGroup
	done     chan struct{}
	endOnce  sync.Once
	closeErr error
}

// NewStreamSink starts a sink writing to w. hwm <= 0 uses
// DefaultHighWaterMark.
func NewStreamSink(w io.WriteCloser, hwm int) *StreamSink {
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	s := &StreamSink{
		w:    w,
		hwm:  hwm,
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Go(s.pump)
	return s
}

// Write implements Sink. The frame must not be modified afterwards.
func (s *StreamSink) Write(frame []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false, s.err
	}
	if s.ended {
		return false, clearmaperrors.New(clearmaperrors.ErrorTypeSink, "write after end")
	}

	s.queue = append(s.queue, frame)
	s.pending += len(frame)
	s.cond.Signal()

	if s.pending < s.hwm {
		return true, nil
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	return false, nil
}

// Drained implements Sink. The returned channel is closed once every queued
// byte has been written or writing failed.
func (s *StreamSink) Drained() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drained == nil {
		return closedChan
	}
	return s.drained
}

// Pending returns the number of queued bytes not yet written.
func (s *StreamSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// End implements Sink. It waits for queued frames to be written and closes
// the underlying writer. Later calls return the same result.
func (s *StreamSink) End() error {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.cond.Signal()
		s.mu.Unlock()

		if r := s.wg.WaitAndRecover(); r != nil {
			s.mu.Lock()
			s.err = clearmaperrors.Wrap(r.AsError(), clearmaperrors.ErrorTypeInternal, "sink writer panicked")
			s.mu.Unlock()
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closeErr != nil {
		return clearmaperrors.Wrap(s.closeErr, clearmaperrors.ErrorTypeSink, "failed to close sink")
	}
	return nil
}

// Wait implements Sink. A stream has no process behind it, so it terminates
// cleanly once End has flushed it.
func (s *StreamSink) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-s.done:
		return ExitStatus{}, nil
	case <-ctx.Done():
		return ExitStatus{Code: -1}, ctx.Err()
	}
}

func (s *StreamSink) pump() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.ended && s.err == nil {
			s.cond.Wait()
		}
		if s.err != nil || len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		frame := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		_, err := s.w.Write(frame)

		s.mu.Lock()
		s.pending -= len(frame)
		if err != nil {
			s.err = clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeSink, "failed to write frame")
			s.queue = nil
			s.pending = 0
		}
		if s.pending == 0 && s.drained != nil {
			close(s.drained)
			s.drained = nil
		}
		s.mu.Unlock()
	}

	closeErr := s.w.Close()
	s.mu.Lock()
	s.closeErr = closeErr
	s.mu.Unlock()
}
