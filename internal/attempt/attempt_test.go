package attempt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeedge/dispatch/internal/bodychan"
	"github.com/nodeedge/dispatch/internal/metrics"
	"github.com/nodeedge/dispatch/internal/proxyrewrite"
)

// failingBody is a Body whose WriteTo either fails immediately (before
// writing any byte, so it never blocks on the pipe a stubTransport
// never reads) or succeeds having written nothing.
type failingBody struct {
	err error
}

func (b *failingBody) ContentType() string            { return "application/octet-stream" }
func (b *failingBody) ContentLength() (int64, bool)    { return 0, false }
func (b *failingBody) Reset(ctx context.Context) bool  { return true }
func (b *failingBody) WriteTo(ctx context.Context, sink io.Writer) error {
	return b.err
}

func testNode(t *testing.T, raw string) *Node {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return &Node{URL: u, Metrics: metrics.NewHostMetrics(u.Host)}
}

func basePolicy() Policy {
	return Policy{Proxy: proxyrewrite.Direct{}}
}

type stubTransport struct {
	resp *http.Response
	err  error
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestExecute_SuccessfulResponse(t *testing.T) {
	policy := basePolicy()
	policy.Transport = &stubTransport{resp: jsonResponse(200, "ok")}

	req := &Request{Method: "GET", Pattern: "/widgets"}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, nil)

	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, 200, out.Response.StatusCode)
	assert.Equal(t, KindNone, out.Kind)
	assert.False(t, out.Terminal)
}

func TestExecute_ThrottledWithoutPropagationIsRetryable(t *testing.T) {
	resp := jsonResponse(429, "")
	resp.Header.Set("Retry-After", "3")
	policy := basePolicy()
	policy.Transport = &stubTransport{resp: resp}

	req := &Request{Method: "GET", Pattern: "/widgets"}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, nil)

	require.NoError(t, err)
	assert.Equal(t, KindThrottled, out.Kind)
	assert.False(t, out.Terminal)
	assert.True(t, out.HasRetryAfter)
	assert.Equal(t, 3e9, float64(out.RetryAfter))
}

func TestExecute_ThrottledWithPropagationIsTerminal(t *testing.T) {
	resp := jsonResponse(429, "")
	policy := basePolicy()
	policy.Transport = &stubTransport{resp: resp}
	policy.PropagateQoSErrors = true

	req := &Request{Method: "GET", Pattern: "/widgets"}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, nil)

	require.NoError(t, err)
	assert.Equal(t, KindThrottled, out.Kind)
	assert.True(t, out.Terminal)
}

func TestExecute_UnavailableMarksPrevFailed(t *testing.T) {
	policy := basePolicy()
	policy.Transport = &stubTransport{resp: jsonResponse(503, "")}

	req := &Request{Method: "GET", Pattern: "/widgets"}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, nil)

	require.NoError(t, err)
	assert.Equal(t, KindUnavailable, out.Kind)
	assert.True(t, out.PrevFailed)
	assert.False(t, out.Terminal)
}

func TestExecute_ServiceErrorIsAlwaysTerminal(t *testing.T) {
	policy := basePolicy()
	policy.Transport = &stubTransport{resp: jsonResponse(400, `{"errorName":"Default:InvalidArgument","errorCode":"INVALID_ARGUMENT"}`)}
	policy.ErrorDecoder = JSONErrorDecoder{}
	policy.PropagateServiceErrors = true

	req := &Request{Method: "POST", Pattern: "/widgets"}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, nil)

	require.NoError(t, err)
	assert.Equal(t, KindServiceError, out.Kind)
	assert.True(t, out.Terminal)
	assert.True(t, out.PrevFailed)
	require.NotNil(t, out.Decoded)
	assert.Equal(t, "Default:InvalidArgument", out.Decoded.Name)
}

func TestExecute_TransportErrorMarksPrevFailed(t *testing.T) {
	boom := errors.New("connection refused")
	policy := basePolicy()
	policy.Transport = &stubTransport{err: boom}

	req := &Request{Method: "GET", Pattern: "/widgets"}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, nil)

	require.NoError(t, err)
	assert.Equal(t, KindTransportError, out.Kind)
	assert.True(t, out.PrevFailed)
	assert.ErrorIs(t, out.Err, boom)
}

func TestExecute_MalformedPatternIsProgrammerFault(t *testing.T) {
	policy := basePolicy()
	policy.Transport = &stubTransport{resp: jsonResponse(200, "")}

	req := &Request{Method: "GET", Pattern: "widgets"}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, nil)

	assert.Nil(t, out)
	require.Error(t, err)
}

func TestExecute_AgainstRealServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/widgets/7", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)

	policy := basePolicy()
	policy.Transport = httpRoundTripper{srv.Client()}

	req := &Request{Method: "GET", Pattern: "/widgets/{id}", Params: url.Values{"id": {"7"}}}
	out, execErr := Execute(context.Background(), &Node{URL: base, Metrics: metrics.NewHostMetrics(base.Host)}, req, policy, nil)

	require.NoError(t, execErr)
	require.NotNil(t, out.Response)
	assert.Equal(t, http.StatusOK, out.Response.StatusCode)
}

type httpRoundTripper struct{ client *http.Client }

func (h httpRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return h.client.Do(req)
}

// The following four tests exercise the deconfliction matrix: the body
// producer and the transport round trip run concurrently, and either
// can fail independently of the other.

func TestExecute_BodyOnlyFailureStillUsesTheResponse(t *testing.T) {
	writeErr := errors.New("disk read failed")
	body := &failingBody{err: writeErr}
	policy := basePolicy()
	policy.Transport = &stubTransport{resp: jsonResponse(200, "ok")}

	req := &Request{Method: "POST", Pattern: "/widgets", Body: body}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, bodychan.NewResetTracker(body))

	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, KindNone, out.Kind)
	assert.False(t, out.Terminal)
	assert.False(t, out.PrevFailed)
}

func TestExecute_TransportOnlyFailureWithBodyPresentMarksPrevFailed(t *testing.T) {
	body := &failingBody{}
	boom := errors.New("connection reset by peer")
	policy := basePolicy()
	policy.Transport = &stubTransport{err: boom}

	req := &Request{Method: "POST", Pattern: "/widgets", Body: body}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, bodychan.NewResetTracker(body))

	require.NoError(t, err)
	assert.Equal(t, KindTransportError, out.Kind)
	assert.True(t, out.PrevFailed)
	assert.ErrorIs(t, out.Err, boom)
}

func TestExecute_BothFailAbortedAttributesToBodyWriteError(t *testing.T) {
	writeErr := errors.New("disk read failed")
	body := &failingBody{err: writeErr}
	transportErr := fmt.Errorf("reading request body: %w", bodychan.ErrAborted)
	policy := basePolicy()
	policy.Transport = &stubTransport{err: transportErr}

	req := &Request{Method: "POST", Pattern: "/widgets", Body: body}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, bodychan.NewResetTracker(body))

	require.NoError(t, err)
	assert.Equal(t, KindBodyWriteError, out.Kind)
	assert.True(t, out.PrevFailed)
	assert.ErrorIs(t, out.Err, writeErr)
}

func TestExecute_BothFailUnrelatedAttributesToTransportError(t *testing.T) {
	writeErr := errors.New("disk read failed")
	body := &failingBody{err: writeErr}
	boom := errors.New("connection reset by peer")
	policy := basePolicy()
	policy.Transport = &stubTransport{err: boom}

	req := &Request{Method: "POST", Pattern: "/widgets", Body: body}
	out, err := Execute(context.Background(), testNode(t, "https://node-1"), req, policy, bodychan.NewResetTracker(body))

	require.NoError(t, err)
	assert.Equal(t, KindTransportError, out.Kind)
	assert.True(t, out.PrevFailed)
	assert.ErrorIs(t, out.Err, boom)
}
