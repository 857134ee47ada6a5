// Package bodychan adapts a caller-supplied streaming Body into the
// transport's request-body sink, and tracks whether any byte has been
// consumed since the last successful reset.
package bodychan

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// Writer is the subset of Request.Body this package drives.
type Writer interface {
	WriteTo(ctx context.Context, sink io.Writer) error
}

// Resetter is the subset of Request.Body this package uses to gate
// retries.
type Resetter interface {
	Reset(ctx context.Context) bool
}

// ErrAborted is the sentinel wrapped by the transport's error whenever
// it observes the body's Read side fail — the deconfliction signal the
// single-attempt executor uses to decide whether a simultaneous
// transport failure was actually caused by the body producer.
var ErrAborted = errors.New("bodychan: body producer aborted the write")

// ResetTracker wraps a body, observing whether any byte has been
// delivered since the body was last known-reset. A successful Reset
// restores the body to needing no reset.
type ResetTracker struct {
	body     Resetter
	consumed atomic.Bool
}

// NewResetTracker wraps body for reset tracking. body may be nil, in
// which case Reset always succeeds and clears the consumed flag.
func NewResetTracker(body Resetter) *ResetTracker {
	return &ResetTracker{body: body}
}

// NeedsReset reports whether any byte has been emitted since the last
// successful Reset (or since construction).
func (t *ResetTracker) NeedsReset() bool {
	return t.consumed.Load()
}

// markConsumed flips needsReset; called by the writer whenever it
// successfully forwards at least one byte.
func (t *ResetTracker) markConsumed() {
	t.consumed.Store(true)
}

// Reset attempts to rewind the underlying body. On success it clears
// the consumed flag.
func (t *ResetTracker) Reset(ctx context.Context) bool {
	if t.body == nil {
		t.consumed.Store(false)
		return true
	}
	if !t.body.Reset(ctx) {
		return false
	}
	t.consumed.Store(false)
	return true
}

// Channel splits a Writer into a writer-side drive function and a
// reader-side stream, so the transport can read the stream while this
// package's caller concurrently drives the writer — the Go analogue of
// the Rust HyperBody split. The drive function must be run in its own
// goroutine by the caller (internal/attempt runs it inside an
// errgroup alongside the transport round trip).
type Channel struct {
	tracker *ResetTracker
	writer  Writer
	pr      *io.PipeReader
	pw      *io.PipeWriter
}

// NewChannel builds a Channel over writer, tracked by tracker (which
// may be nil if the caller doesn't need reset tracking — the root
// dispatch package always supplies one).
func NewChannel(writer Writer, tracker *ResetTracker) *Channel {
	pr, pw := io.Pipe()
	return &Channel{tracker: tracker, writer: writer, pr: pr, pw: pw}
}

// Stream is the io.Reader the transport consumes as the request body.
func (c *Channel) Stream() io.Reader { return c.pr }

// Drive runs the body producer into the pipe until it finishes or ctx
// is cancelled. It must be called exactly once, and the resulting
// error reported back to the executor as a BodyWriteError candidate.
func (c *Channel) Drive(ctx context.Context) error {
	counting := &countingWriter{w: c.pw, tracker: c.tracker}
	err := c.writer.WriteTo(ctx, counting)
	if err != nil {
		c.pw.CloseWithError(errJoin(ErrAborted, err))
		return err
	}
	return c.pw.Close()
}

// countingWriter flips the tracker's consumed flag on the first
// successful write.
type countingWriter struct {
	w       io.Writer
	tracker *ResetTracker
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 && cw.tracker != nil {
		cw.tracker.markConsumed()
	}
	return n, err
}

func errJoin(sentinel, cause error) error {
	return &abortedError{sentinel: sentinel, cause: cause}
}

type abortedError struct {
	sentinel error
	cause    error
}

func (e *abortedError) Error() string { return e.cause.Error() }
func (e *abortedError) Unwrap() error { return e.cause }
func (e *abortedError) Is(target error) bool {
	return target == e.sentinel
}
