package bodychan

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResetter struct {
	ok    bool
	calls int
}

func (f *fakeResetter) Reset(context.Context) bool {
	f.calls++
	return f.ok
}

func TestResetTracker_NilBodyNeverNeedsReset(t *testing.T) {
	tr := NewResetTracker(nil)
	assert.False(t, tr.NeedsReset())
	assert.True(t, tr.Reset(context.Background()))
	assert.False(t, tr.NeedsReset())
}

func TestResetTracker_MarksConsumedOnWrite(t *testing.T) {
	r := &fakeResetter{ok: true}
	tr := NewResetTracker(r)
	assert.False(t, tr.NeedsReset())
	tr.markConsumed()
	assert.True(t, tr.NeedsReset())
}

func TestResetTracker_SuccessfulResetClearsConsumed(t *testing.T) {
	r := &fakeResetter{ok: true}
	tr := NewResetTracker(r)
	tr.markConsumed()
	require.True(t, tr.NeedsReset())

	ok := tr.Reset(context.Background())
	assert.True(t, ok)
	assert.False(t, tr.NeedsReset())
	assert.Equal(t, 1, r.calls)
}

func TestResetTracker_FailedResetLeavesConsumed(t *testing.T) {
	r := &fakeResetter{ok: false}
	tr := NewResetTracker(r)
	tr.markConsumed()

	ok := tr.Reset(context.Background())
	assert.False(t, ok)
	assert.True(t, tr.NeedsReset())
}

type fakeWriter struct {
	chunks []string
	failAt int
	err    error
}

func (f *fakeWriter) WriteTo(ctx context.Context, sink io.Writer) error {
	for i, c := range f.chunks {
		if f.err != nil && i == f.failAt {
			return f.err
		}
		if _, err := sink.Write([]byte(c)); err != nil {
			return err
		}
	}
	return nil
}

func TestChannel_DriveSucceeds(t *testing.T) {
	w := &fakeWriter{chunks: []string{"hello", " ", "world"}}
	tr := NewResetTracker(&fakeResetter{ok: true})
	ch := NewChannel(w, tr)

	var got []byte
	done := make(chan error, 1)
	go func() {
		b, err := io.ReadAll(ch.Stream())
		got = b
		done <- err
	}()

	require.NoError(t, ch.Drive(context.Background()))
	require.NoError(t, <-done)
	assert.Equal(t, "hello world", string(got))
	assert.True(t, tr.NeedsReset())
}

func TestChannel_DriveFailureAbortsStreamWithSentinel(t *testing.T) {
	boom := errors.New("producer exploded")
	w := &fakeWriter{chunks: []string{"partial", "rest"}, failAt: 1, err: boom}
	tr := NewResetTracker(nil)
	ch := NewChannel(w, tr)

	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(ch.Stream())
		readErr <- err
	}()

	err := ch.Drive(context.Background())
	require.ErrorIs(t, err, boom)

	streamErr := <-readErr
	assert.ErrorIs(t, streamErr, ErrAborted)
	assert.ErrorIs(t, streamErr, boom)
}
