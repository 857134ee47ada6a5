// Package headers builds the per-attempt header set: the caller's
// headers with hop-by-hop entries stripped and replaced by computed
// values, plus trace context injection.
package headers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// hopByHop lists the headers that are always regenerated per attempt
// and must never pass through verbatim from the caller.
var hopByHop = []string{
	"Connection",
	"Host",
	"Proxy-Authorization",
	"Content-Length",
	"Content-Type",
}

// BodyMeta describes the declared shape of a request body, if any.
type BodyMeta struct {
	ContentType   string
	ContentLength int64
	HasLength     bool
}

// Injector writes distributed-tracing context into an outgoing header
// map.
type Injector interface {
	Inject(h http.Header)
}

// Build starts from caller's headers (which it does not mutate),
// strips the hop-by-hop set regardless of case, stamps a fresh
// X-Request-Id, injects the trace context, and, if body is non-nil,
// sets Content-Type and (if known) Content-Length from it.
func Build(caller http.Header, body *BodyMeta, trace Injector) http.Header {
	out := caller.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, h := range hopByHop {
		out.Del(h)
	}

	out.Set("X-Request-Id", uuid.New().String())

	if trace != nil {
		trace.Inject(out)
	}

	if body != nil {
		if body.HasLength {
			out.Set("Content-Length", strconv.FormatInt(body.ContentLength, 10))
		}
		out.Set("Content-Type", body.ContentType)
	}

	return out
}
