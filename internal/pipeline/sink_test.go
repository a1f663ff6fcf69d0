package pipeline

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/testutil"
)

// bufferCloser is an in-memory io.WriteCloser.
type bufferCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufferCloser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func TestStreamSinkHighWaterMark(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	pr, pw := io.Pipe()
	sink := NewStreamSink(pw, 10)

	var got bytes.Buffer
	readDone := make(chan struct{})
	release := make(chan struct{})
	go func() {
		defer close(readDone)
		<-release
		_, _ = io.Copy(&got, pr)
	}()

	// nothing is read yet, so the pump is stuck on the first frame
	ready, err := sink.Write([]byte("aaaa"))
	require.NoError(t, err)
	assert.True(t, ready)
	ready, err = sink.Write([]byte("bbbb"))
	require.NoError(t, err)
	assert.True(t, ready)
	ready, err = sink.Write([]byte("cccc"))
	require.NoError(t, err)
	assert.False(t, ready, "12 pending bytes reach the high-water mark of 10")

	drained := sink.Drained()
	select {
	case <-drained:
		t.Fatal("drained before the reader consumed anything")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-drained:
	case <-ctx.Done():
		t.Fatal("sink never drained")
	}
	assert.Zero(t, sink.Pending())

	require.NoError(t, sink.End())
	<-readDone
	assert.Equal(t, "aaaabbbbcccc", got.String())

	status, err := sink.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, status.Success())
}

func TestStreamSinkNotBlockedDrainedIsClosed(t *testing.T) {
	w := &bufferCloser{}
	sink := NewStreamSink(w, 0)

	select {
	case <-sink.Drained():
	default:
		t.Fatal("an unblocked sink reports drained")
	}

	ready, err := sink.Write([]byte("frame"))
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, sink.End())
	require.NoError(t, sink.End(), "End is idempotent")
	assert.True(t, w.closed)
	assert.Equal(t, "frame", w.buf.String())

	_, err = sink.Write([]byte("late"))
	assert.Error(t, err)
}

func TestStreamSinkWriteError(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	pr, pw := io.Pipe()
	require.NoError(t, pr.CloseWithError(errors.New("tile builder exited")))

	sink := NewStreamSink(pw, 4)
	ready, err := sink.Write([]byte("12345"))
	require.NoError(t, err)
	assert.False(t, ready)

	// the failed write wakes the waiting producer
	select {
	case <-sink.Drained():
	case <-ctx.Done():
		t.Fatal("waiter was not woken by the write error")
	}

	testutil.AssertEventually(t, func() bool {
		_, err := sink.Write([]byte("x"))
		return err != nil
	}, time.Second, "write error is reported to later writes")

	err = sink.End()
	require.Error(t, err)
	assert.True(t, clearmaperrors.IsType(err, clearmaperrors.ErrorTypeSink))
}

func TestExitStatus(t *testing.T) {
	assert.True(t, ExitStatus{}.Success())
	assert.False(t, ExitStatus{Code: 2}.Success())
	assert.Equal(t, "exit status 2", ExitStatus{Code: 2}.String())
	assert.Equal(t, "killed", ExitStatus{Code: -1}.String())
}
