// Package attempt implements the single-attempt executor: one HTTP
// exchange against one node, joining body-write with header-wait,
// deconflicting simultaneous failures, and classifying the response
// against the QoS taxonomy.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nodeedge/dispatch/internal/bodychan"
	"github.com/nodeedge/dispatch/internal/dlog"
	"github.com/nodeedge/dispatch/internal/headers"
	"github.com/nodeedge/dispatch/internal/metrics"
	"github.com/nodeedge/dispatch/internal/proxyrewrite"
	"github.com/nodeedge/dispatch/internal/transport"
	"github.com/nodeedge/dispatch/internal/urlcompose"
)

// Body is the subset of a streaming request body this package drives.
type Body interface {
	ContentType() string
	ContentLength() (int64, bool)
	WriteTo(ctx context.Context, sink io.Writer) error
	Reset(ctx context.Context) bool
}

// Node is one candidate backend, with the per-node metrics feedback
// channel the node cursor owns.
type Node struct {
	URL     *url.URL
	Metrics *metrics.HostMetrics
}

// Request is the subset of the caller's logical request the executor
// needs on every attempt.
type Request struct {
	Method      string
	Pattern     string
	Params      url.Values
	Headers     http.Header
	Body        Body
	ServiceName string
}

// ErrorDecoder turns a non-2xx, non-429, non-503 response into a
// decoded error envelope. exposeParams gates whether server-provided
// error metadata is included.
type ErrorDecoder interface {
	DecodeError(ctx context.Context, resp *http.Response, exposeParams bool) (*DecodedError, error)
}

// DecodedError is the opaque decoded error envelope for a service
// error response.
type DecodedError struct {
	Name       string
	Code       string
	Params     map[string]string
	StatusCode int
}

// Policy carries the per-dispatch configuration the executor needs
// beyond the request itself.
type Policy struct {
	Proxy                  proxyrewrite.Mode
	Transport              transport.Transport
	PropagateQoSErrors     bool
	PropagateServiceErrors bool
	ErrorDecoder           ErrorDecoder
	TraceInjector          headers.Injector
}

// Response is a classified 2xx result. Body remains readable until the
// caller closes it or the bound context expires.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Outcome is the result of one attempt.
//
//   - Response != nil: the attempt succeeded (2xx).
//   - Err != nil && Terminal: the dispatch must abort immediately,
//     without consulting the retry gate (e.g. a decoded service error,
//     or a QoS error with propagation enabled).
//   - Err != nil && !Terminal: the retry gate may retry, using Err as
//     the carried error and RetryAfter/HasRetryAfter as the server's
//     advised backoff, if any.
//
// PrevFailed reports whether the node cursor's PrevFailed must be
// invoked before the next Next() call.
type Outcome struct {
	Response      *Response
	Err           error
	Kind          Kind
	Terminal      bool
	PrevFailed    bool
	RetryAfter    time.Duration
	HasRetryAfter bool
	Decoded       *DecodedError
}

// Kind discriminates the taxonomy of a non-success Outcome so the
// retry controller can wrap Err in the right typed dispatch error
// without re-deriving it from the HTTP status.
type Kind int

const (
	// KindNone marks a successful Outcome (Response != nil).
	KindNone Kind = iota
	KindThrottled
	KindUnavailable
	KindServiceError
	KindTransportError
	KindBodyWriteError
)

// Execute issues one HTTP exchange against node and classifies the
// result. tracker must be the same ResetTracker across every attempt
// of a given dispatch, so reset-need bookkeeping survives retries. The
// returned error is non-nil only for a local/programmer fault (e.g. a
// malformed URL pattern) that should abort the dispatch loudly without
// ever reaching the retry gate or touching the node cursor.
func Execute(ctx context.Context, node *Node, req *Request, policy Policy, tracker *bodychan.ResetTracker) (*Outcome, error) {
	target, err := urlcompose.Compose(node.URL, req.Pattern, req.Params)
	if err != nil {
		return nil, fmt.Errorf("attempt: %w", err)
	}

	hdr := headers.Build(req.Headers, bodyMeta(req.Body), policy.TraceInjector)
	target = policy.Proxy.Apply(target, hdr)

	var channel *bodychan.Channel
	var bodyStream io.Reader
	if req.Body != nil {
		channel = bodychan.NewChannel(req.Body, tracker)
		bodyStream = channel.Stream()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("attempt: building request: %w", err)
	}
	httpReq.Header = hdr
	// net/http writes the Host line from Request.Host and ignores a Host
	// entry in Header, so a Host set by the proxy mode is carried over.
	if host := hdr.Get("Host"); host != "" {
		httpReq.Host = host
	}
	if channel != nil {
		httpReq.Body = transport.NewRequestBody(ctx, bodyStream)
	}

	start := time.Now()
	var bodyErr, transportErr error
	var resp *http.Response

	g, gctx := errgroup.WithContext(ctx)
	if channel != nil {
		g.Go(func() error {
			bodyErr = channel.Drive(gctx)
			return nil
		})
	}
	g.Go(func() error {
		resp, transportErr = policy.Transport.RoundTrip(httpReq)
		return nil
	})
	_ = g.Wait() // both goroutines always return nil; errors are captured above

	elapsed := time.Since(start)
	url := target.String()

	// Error deconfliction: two simultaneously failing channels must not
	// both surface.
	if bodyErr != nil && transportErr != nil {
		// The transport genuinely failed in both cases; only the
		// attributed cause differs. send_raw informs the node cursor
		// and the I/O error meter unconditionally on any Err, so both
		// branches do too.
		node.Metrics.UpdateIOError()
		node.Metrics.Update(req.Method, "transport-error", elapsed)
		if errors.Is(transportErr, bodychan.ErrAborted) {
			return &Outcome{Err: withURL(fmt.Errorf("request body write failed: %w", bodyErr), url), Kind: KindBodyWriteError, PrevFailed: true}, nil
		}
		return &Outcome{Err: withURL(fmt.Errorf("transport error: %w", transportErr), url), Kind: KindTransportError, PrevFailed: true}, nil
	}

	if bodyErr != nil {
		// Only the body write failed; the server accepted the request
		// despite the producer's tail failure. Use the response.
		dlog.Named("attempt").Warn("body write reported an error on a successful request",
			zap.Error(bodyErr), zap.String("url", url))
	}

	if transportErr != nil {
		node.Metrics.UpdateIOError()
		node.Metrics.Update(req.Method, "transport-error", elapsed)
		return &Outcome{Err: withURL(fmt.Errorf("transport error: %w", transportErr), url), Kind: KindTransportError, PrevFailed: true}, nil
	}

	return classifyResponse(ctx, node, req, policy, elapsed, resp, url), nil
}

func classifyResponse(ctx context.Context, node *Node, req *Request, policy Policy, elapsed time.Duration, resp *http.Response, url string) *Outcome {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		node.Metrics.Update(req.Method, "2xx", elapsed)
		return &Outcome{Response: &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, Kind: KindNone}

	case resp.StatusCode == http.StatusTooManyRequests:
		node.Metrics.Update(req.Method, "429", elapsed)
		retryAfter, has := parseRetryAfter(resp.Header.Get("Retry-After"))
		drainAndClose(resp.Body)
		if policy.PropagateQoSErrors {
			return &Outcome{Err: withURL(errThrottled(has, retryAfter), url), Kind: KindThrottled, Terminal: true, RetryAfter: retryAfter, HasRetryAfter: has}
		}
		return &Outcome{Err: withURL(errThrottled(has, retryAfter), url), Kind: KindThrottled, RetryAfter: retryAfter, HasRetryAfter: has}

	case resp.StatusCode == http.StatusServiceUnavailable:
		node.Metrics.Update(req.Method, "503", elapsed)
		drainAndClose(resp.Body)
		if policy.PropagateQoSErrors {
			return &Outcome{Err: withURL(errUnavailable(), url), Kind: KindUnavailable, Terminal: true, PrevFailed: true}
		}
		return &Outcome{Err: withURL(errUnavailable(), url), Kind: KindUnavailable, PrevFailed: true}

	default:
		node.Metrics.Update(req.Method, "service-error-"+metrics.SanitizeCode(resp.StatusCode), elapsed)
		decoded, decodeErr := decodeServiceError(ctx, policy, resp)
		if decodeErr != nil {
			return &Outcome{Err: withURL(decodeErr, url), Kind: KindServiceError, Terminal: true, PrevFailed: true}
		}
		return &Outcome{Err: withURL(errServiceStatus(decoded), url), Kind: KindServiceError, Terminal: true, PrevFailed: true, Decoded: decoded}
	}
}

func bodyMeta(b Body) *headers.BodyMeta {
	if b == nil {
		return nil
	}
	length, ok := b.ContentLength()
	return &headers.BodyMeta{ContentType: b.ContentType(), ContentLength: length, HasLength: ok}
}

func decodeServiceError(ctx context.Context, policy Policy, resp *http.Response) (*DecodedError, error) {
	defer resp.Body.Close()
	if policy.ErrorDecoder == nil {
		return &DecodedError{StatusCode: resp.StatusCode}, nil
	}
	return policy.ErrorDecoder.DecodeError(ctx, resp, policy.PropagateServiceErrors)
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// parseRetryAfter parses a Retry-After header as a non-negative integer
// number of seconds; any unparseable form is treated as absent.
func parseRetryAfter(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func withURL(err error, url string) error {
	return &urlTaggedError{cause: err, url: url}
}

type urlTaggedError struct {
	cause error
	url   string
}

func (e *urlTaggedError) Error() string { return fmt.Sprintf("%s (url=%s)", e.cause.Error(), e.url) }
func (e *urlTaggedError) Unwrap() error { return e.cause }
func (e *urlTaggedError) URL() string   { return e.url }

var (
	errThrottledSentinel   = errors.New("request was throttled")
	errUnavailableSentinel = errors.New("node reported service unavailable")
)

func errThrottled(hasRetryAfter bool, retryAfter time.Duration) error {
	if hasRetryAfter {
		return fmt.Errorf("%w, retry after %s", errThrottledSentinel, retryAfter)
	}
	return errThrottledSentinel
}

func errUnavailable() error {
	return errUnavailableSentinel
}

func errServiceStatus(d *DecodedError) error {
	if d == nil {
		return errors.New("service returned an error status")
	}
	if d.Name != "" {
		return fmt.Errorf("service error %s (code=%s, status=%d)", d.Name, d.Code, d.StatusCode)
	}
	return fmt.Errorf("service returned error status %d", d.StatusCode)
}
