package dispatch

import (
	"context"
	"io"
	"net/http"
)

// Response is a successful dispatch result. Its Body remains valid
// until ctx passed to Send is cancelled or the body is closed,
// whichever comes first — it inherits the dispatch's overall deadline
// even though the dispatch itself has already returned.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// deadlineBoundBody wraps a response body so reads past the dispatch's
// deadline fail with context.DeadlineExceeded instead of blocking or
// returning a misleading EOF. It owns cancel: closing the body (or the
// deadline timer firing on its own) is what finally releases ctx,
// never Send's return.
type deadlineBoundBody struct {
	ctx    context.Context
	cancel context.CancelFunc
	rc     io.ReadCloser
}

func bindResponseToDeadline(ctx context.Context, cancel context.CancelFunc, rc io.ReadCloser) io.ReadCloser {
	return &deadlineBoundBody{ctx: ctx, cancel: cancel, rc: rc}
}

func (b *deadlineBoundBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	return b.rc.Read(p)
}

func (b *deadlineBoundBody) Close() error {
	defer b.cancel()
	return b.rc.Close()
}
