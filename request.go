package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Body is a streaming request body the caller owns for the lifetime of
// a dispatch. WriteTo may be called more than once across retries, each
// time preceded by a successful Reset if any byte was consumed by the
// previous attempt; a body whose Reset returns false is not retried.
type Body interface {
	// ContentType is the MIME type header value for this body.
	ContentType() string
	// ContentLength returns the declared length and whether it is known.
	ContentLength() (length int64, ok bool)
	// WriteTo drives the body's bytes into sink. It must respect ctx
	// cancellation and stop promptly when it is cancelled.
	WriteTo(ctx context.Context, sink io.Writer) error
	// Reset rewinds the body to its initial state, returning false if
	// the underlying stream cannot be replayed.
	Reset(ctx context.Context) bool
}

// Request is one logical call: a method, a URL pattern with named path
// parameters, query parameters, headers, and an optional streaming
// body. It is borrowed for the lifetime of one Send call and must not
// be mutated concurrently with it.
type Request struct {
	// Method is the HTTP method token, e.g. "GET".
	Method string
	// Pattern is a URL path pattern beginning with "/", composed of
	// literal segments and placeholders of the form "{name}".
	Pattern string
	// Params maps a parameter name to an ordered sequence of values. A
	// name referenced in Pattern must have exactly one value;
	// unreferenced names become query parameters.
	Params url.Values
	// Headers is the caller-supplied header map; hop-by-hop headers
	// are always replaced by computed per-attempt values.
	Headers http.Header
	// Body is the optional streaming request body.
	Body Body
	// Idempotent must be true for any retry to occur.
	Idempotent bool
}
