// Package transport wraps an *http.Client into the request-issuing
// service the executor consumes, configured for HTTP/2 the way caddy's
// reverse-proxy transport is, and preserving the cause chain needed to
// tell a body-abort apart from a genuine network failure.
package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/nodeedge/dispatch/internal/bodychan"
)

// Transport issues one prepared HTTP request and returns its response
// or a transport-level error.
type Transport interface {
	RoundTrip(req *http.Request) (*http.Response, error)
}

// httpTransport adapts *http.Client to the Transport interface.
type httpTransport struct {
	client *http.Client
}

// New wraps client, configuring it for HTTP/2 if it isn't already.
// Passing nil uses http.DefaultTransport with HTTP/2 enabled.
func New(client *http.Client) Transport {
	if client == nil {
		client = &http.Client{}
	}
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}
	if rt, ok := client.Transport.(*http.Transport); ok {
		_ = http2.ConfigureTransport(rt)
	}
	return &httpTransport{client: client}
}

func (t *httpTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// classify wraps an error from http.Client.Do so its cause chain
// surfaces a body-abort if that's what actually happened: reading the
// request body is done internally by net/http, and any error it
// encounters doing so is wrapped into the returned *url.Error with the
// body's own error as its Unwrap() target, which already satisfies
// errors.Is(err, bodychan.ErrAborted) when the body was a
// bodychan.Channel stream. classify is therefore mostly a pass-through,
// kept as a seam so an alternate Transport (e.g. a test double) can
// inject this tagging explicitly.
func classify(err error) error {
	if errors.Is(err, bodychan.ErrAborted) {
		return err
	}
	return err
}

// bodyReader wraps a bodychan.Channel's stream so that readers placed
// between it and net/http still propagate the Is(ErrAborted) chain;
// retained as the canonical way to attach a *bodychan stream to an
// *http.Request's Body field.
func bodyReader(ctx context.Context, stream io.Reader) io.ReadCloser {
	return &ctxReadCloser{ctx: ctx, r: stream}
}

type ctxReadCloser struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReadCloser) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *ctxReadCloser) Close() error {
	if closer, ok := c.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// NewRequestBody adapts a bodychan stream into an io.ReadCloser bound
// to ctx, suitable for assignment to http.Request.Body.
func NewRequestBody(ctx context.Context, stream io.Reader) io.ReadCloser {
	return bodyReader(ctx, stream)
}
