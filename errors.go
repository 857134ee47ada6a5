package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/nodeedge/dispatch/internal/attempt"
)

// ErrorDecoder decodes a non-2xx/429/503 HTTP response into the
// caller-visible error payload. exposeParams mirrors the client's
// PropagateServiceErrors policy flag.
type ErrorDecoder = attempt.ErrorDecoder

// DecodedError is the opaque, server-provided error payload surfaced by
// a ServiceError. Params is populated only when the client is
// configured to propagate service error metadata to the caller.
type DecodedError = attempt.DecodedError

// JSONErrorDecoder is the default ErrorDecoder, used whenever
// Config.ErrorDecoder is left nil. It expects a {errorName, errorCode,
// parameters} JSON envelope.
type JSONErrorDecoder = attempt.JSONErrorDecoder

// dispatchError is embedded by every error kind the core returns to the
// caller. It annotates the error with the node URL the attempt was made
// against and, where known, the logical service name — so diagnostics
// never need a type switch to ask "what URL, what service".
type dispatchError struct {
	cause   error
	url     string
	service string
}

func (e *dispatchError) Error() string {
	if e.url == "" {
		return e.cause.Error()
	}
	return fmt.Sprintf("%s (url=%s)", e.cause.Error(), e.url)
}

func (e *dispatchError) Unwrap() error { return e.cause }

// URL returns the node URL the failing attempt targeted, if known.
func (e *dispatchError) URL() string { return e.url }

// Service returns the logical service name, if known.
func (e *dispatchError) Service() string { return e.service }

func (e *dispatchError) setURL(url string) { e.url = url }

// extractURL pulls the node URL annotation off err, if any component
// of its cause chain carries one (internal/attempt tags every
// classified error this way).
func extractURL(err error) string {
	var uc urlCarrier
	if errors.As(err, &uc) {
		return uc.URL()
	}
	return ""
}

// unwrapURLTag strips internal/attempt's url-tagging wrapper off cause,
// if present, so the dispatch error's own url field (set via attachURL)
// is the only place the node URL appears in the rendered message.
func unwrapURLTag(cause error) error {
	var uc urlCarrier
	if errors.As(cause, &uc) {
		if u := errors.Unwrap(cause); u != nil {
			return u
		}
	}
	return cause
}

// attachURL copies the URL annotation from cause onto e, preserving
// e's concrete type (unlike dispatchError.setURL alone, which would
// require the caller to already hold the right receiver type).
func attachURL[T interface{ setURL(string) }](e T, cause error) T {
	e.setURL(extractURL(cause))
	return e
}

func (e *dispatchError) setService(service string) { e.service = service }

// attachService sets the logical service name onto e, preserving e's
// concrete type, mirroring attachURL.
func attachService[T interface{ setService(string) }](e T, service string) T {
	e.setService(service)
	return e
}

// ThrottledError is returned when a 429 is propagated to the caller
// instead of being retried (propagate_qos_errors is set).
type ThrottledError struct {
	dispatchError
	RetryAfter time.Duration
	HasRetryAfter bool
}

func newThrottledError(retryAfter time.Duration, has bool) *ThrottledError {
	e := &ThrottledError{RetryAfter: retryAfter, HasRetryAfter: has}
	e.dispatchError.cause = errors.New("request was throttled")
	return e
}

// UnavailableError is returned when a 503 is propagated to the caller
// instead of being retried (propagate_qos_errors is set).
type UnavailableError struct {
	dispatchError
}

func newUnavailableError() *UnavailableError {
	e := &UnavailableError{}
	e.dispatchError.cause = errors.New("node reported service unavailable")
	return e
}

// ServiceError wraps a decoded server-provided error envelope for any
// non-2xx, non-429, non-503 response. It is always terminal.
type ServiceError struct {
	dispatchError
	Decoded *DecodedError
}

func newServiceError(decoded *DecodedError) *ServiceError {
	e := &ServiceError{Decoded: decoded}
	e.dispatchError.cause = fmt.Errorf("service returned error status %d", decoded.StatusCode)
	return e
}

// TransportError wraps a failure from the underlying transport that
// carried no classifiable HTTP response.
type TransportError struct {
	dispatchError
}

func newTransportError(cause error) *TransportError {
	e := &TransportError{}
	e.dispatchError.cause = unwrapURLTag(cause)
	return e
}

// BodyWriteError wraps a failure of the request body producer that was
// attributed as the cause of a simultaneous transport failure; see the
// deconfliction rule in internal/attempt. Like a TransportError it is
// retryable, so it reaches the caller as the error carried by the
// retry-gate error that ended the dispatch. A body failure on a request
// whose transport succeeded is only logged and does not produce it.
type BodyWriteError struct {
	dispatchError
}

func newBodyWriteError(cause error) *BodyWriteError {
	e := &BodyWriteError{}
	e.dispatchError.cause = unwrapURLTag(cause)
	return e
}

// NodeExhaustedError is returned when the node cursor has no more
// candidates to offer.
type NodeExhaustedError struct {
	dispatchError
}

func newNodeExhaustedError() *NodeExhaustedError {
	e := &NodeExhaustedError{}
	e.dispatchError.cause = errors.New("unable to select a node for request")
	return e
}

// TimeoutError is returned when the overall request_timeout elapses
// before a terminal outcome is reached.
type TimeoutError struct {
	dispatchError
}

func newTimeoutError() *TimeoutError {
	e := &TimeoutError{}
	e.dispatchError.cause = errors.New("dispatch exceeded its request timeout")
	return e
}

// NotIdempotentError aborts a retry because the request is not safe to
// reissue. It wraps the error the failed attempt actually produced.
type NotIdempotentError struct {
	dispatchError
}

func newNotIdempotentError(cause error) *NotIdempotentError {
	e := &NotIdempotentError{}
	e.dispatchError.cause = fmt.Errorf("request is not idempotent, not retrying after: %w", cause)
	return e
}

// RetriesExceededError aborts a retry because max_num_retries was hit.
// It wraps the error the last attempt produced.
type RetriesExceededError struct {
	dispatchError
}

func newRetriesExceededError(cause error) *RetriesExceededError {
	e := &RetriesExceededError{}
	e.dispatchError.cause = fmt.Errorf("exceeded retry limit: %w", cause)
	return e
}

// BodyNotResettableError aborts a retry because the body had already
// emitted bytes and refused to reset. It wraps the error the failed
// attempt actually produced.
type BodyNotResettableError struct {
	dispatchError
}

func newBodyNotResettableError(cause error) *BodyNotResettableError {
	e := &BodyNotResettableError{}
	e.dispatchError.cause = fmt.Errorf("request body could not be reset for retry: %w", cause)
	return e
}
