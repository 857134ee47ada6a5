// Package dispatch implements the request dispatch and retry engine of
// a client library for a service-oriented RPC layer carried over HTTP:
// node selection, streaming body lifecycle, QoS-aware failure
// classification, and jittered retry, all bounded by one overall
// deadline.
package dispatch

import (
	"context"
	"fmt"

	"github.com/nodeedge/dispatch/internal/attempt"
	"github.com/nodeedge/dispatch/internal/backoff"
	"github.com/nodeedge/dispatch/internal/bodychan"
	"github.com/nodeedge/dispatch/internal/dlog"
	"github.com/nodeedge/dispatch/internal/metrics"
	"github.com/nodeedge/dispatch/internal/nodeselector"
	"github.com/nodeedge/dispatch/internal/trace"
	"go.uber.org/zap"
)

// Send dispatches req against client, selecting nodes, retrying on
// retryable failures with jittered backoff, all bounded by the
// client's configured request timeout. ctx may carry a shorter
// deadline or cancellation of its own; whichever fires first wins.
func Send(ctx context.Context, client *Client, req *Request) (*Response, error) {
	state := client.state.Load()
	if state == nil {
		return nil, fmt.Errorf("dispatch: client is not configured")
	}

	ctx, span := trace.StartDispatch(ctx, req.Method, req.Pattern)
	defer span.End()

	// cancel is not deferred here: a successful Response's body carries
	// the deadline forward and owns cancel from this point on (see
	// bindResponseToDeadline), since the Response may be read well
	// after Send returns. Only the deadline timer itself, or an
	// explicit Close of that body, ever cancels ctx.
	ctx, cancel := context.WithTimeout(ctx, state.requestTimeout)

	ds := &dispatchState{
		ctx:     ctx,
		state:   state,
		req:     req,
		cursor:  state.nodeFactory.NewCursor(),
		tracker: bodychan.NewResetTracker(req.Body),
	}

	resp, err := ds.run()
	if err != nil {
		cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError()
		}
		return nil, err
	}
	resp.Body = bindResponseToDeadline(ctx, cancel, resp.Body)
	return resp, nil
}

// dispatchState holds the per-dispatch mutable state: the node cursor,
// the attempt counter, and the body's reset tracker, which must
// survive across every attempt of the loop.
type dispatchState struct {
	ctx     context.Context
	state   *clientStateSnapshot
	req     *Request
	cursor  nodeselector.Cursor
	tracker *bodychan.ResetTracker
	attempt int
}

// run drives the attempt loop described in spec §4.F:
//
//	loop:
//	  outcome = execute_attempt()
//	  if outcome is Ok: return response
//	  prepare_for_retry(error, retry_after)  // may abort with error
func (ds *dispatchState) run() (*Response, error) {
	for {
		if err := ds.ctx.Err(); err != nil {
			return nil, err
		}

		outcome, err := ds.executeAttempt()
		if err != nil {
			// Node exhaustion, or a programmer fault (bad URL pattern):
			// abort loudly, never retried, never reported to the node
			// cursor as a failure.
			return nil, err
		}

		if outcome.Response != nil {
			return &Response{
				StatusCode: outcome.Response.StatusCode,
				Header:     outcome.Response.Header,
				Body:       outcome.Response.Body,
			}, nil
		}

		if outcome.PrevFailed {
			ds.cursor.PrevFailed()
		}

		if outcome.Terminal {
			return nil, wrapTerminal(outcome)
		}

		if err := ds.prepareForRetry(outcome); err != nil {
			return nil, err
		}
	}
}

func (ds *dispatchState) executeAttempt() (*attempt.Outcome, error) {
	node, ok := ds.cursor.Next()
	if !ok {
		return nil, attachService(newNodeExhaustedError(), ds.state.serviceName)
	}

	ctx, span := trace.StartAttempt(ds.ctx, ds.attempt)
	defer span.End()

	policy := attempt.Policy{
		Proxy:                  ds.state.proxy,
		Transport:              ds.state.transport,
		PropagateQoSErrors:     ds.state.propagateQoSErrors,
		PropagateServiceErrors: ds.state.propagateServiceErrors,
		ErrorDecoder:           ds.state.errorDecoder,
		TraceInjector:          trace.HeaderInjector{Ctx: ctx},
	}

	areq := &attempt.Request{
		Method:      ds.req.Method,
		Pattern:     ds.req.Pattern,
		Params:      ds.req.Params,
		Headers:     ds.req.Headers,
		Body:        ds.req.Body,
		ServiceName: ds.state.serviceName,
	}

	return attempt.Execute(ctx, wrapNode(&nodeselector.Node{URL: node.URL, Metrics: node.Metrics}), areq, policy, ds.tracker)
}

// prepareForRetry implements spec §4.F's ordered gate: exceeded
// retries, non-idempotent, unresettable body, then backoff.
func (ds *dispatchState) prepareForRetry(outcome *attempt.Outcome) error {
	carried := wrapRetryable(outcome)

	ds.attempt++
	if ds.attempt >= ds.state.maxNumRetries {
		dlog.Named("dispatch").Info("exceeded retry limits", zap.String("service", ds.state.serviceName))
		return newRetriesExceededError(carried)
	}

	if !ds.req.Idempotent {
		dlog.Named("dispatch").Info("unable to retry non-idempotent request")
		return newNotIdempotentError(carried)
	}

	if ds.req.Body != nil && ds.tracker.NeedsReset() {
		if !ds.tracker.Reset(ds.ctx) {
			dlog.Named("dispatch").Info("unable to reset body when retrying request")
			return newBodyNotResettableError(carried)
		}
	}

	var delay = outcome.RetryAfter
	if !outcome.HasRetryAfter {
		delay = backoff.FullJitter(ds.state.backoffSlotSize, uint(ds.attempt))
	}
	metrics.Retries.WithLabelValues(retryReason(outcome)).Inc()

	if err := backoff.Sleep(ds.ctx, delay); err != nil {
		return err
	}
	return nil
}

func retryReason(o *attempt.Outcome) string {
	switch o.Kind {
	case attempt.KindThrottled:
		return "throttled"
	case attempt.KindUnavailable:
		return "unavailable"
	case attempt.KindTransportError:
		return "transport"
	case attempt.KindBodyWriteError:
		return "body-write"
	default:
		return "other"
	}
}

// wrapTerminal converts a terminal attempt.Outcome into its typed
// dispatch error.
func wrapTerminal(o *attempt.Outcome) error {
	switch o.Kind {
	case attempt.KindThrottled:
		return attachURL(newThrottledError(o.RetryAfter, o.HasRetryAfter), o.Err)
	case attempt.KindUnavailable:
		return attachURL(newUnavailableError(), o.Err)
	case attempt.KindServiceError:
		decoded := o.Decoded
		if decoded == nil {
			decoded = &DecodedError{}
		}
		return attachURL(newServiceError(decoded), o.Err)
	default:
		return o.Err
	}
}

// wrapRetryable converts a retryable attempt.Outcome into its typed
// dispatch error, so the carried error surfaced on final gate failure
// has the right concrete type for errors.As.
func wrapRetryable(o *attempt.Outcome) error {
	switch o.Kind {
	case attempt.KindThrottled:
		return attachURL(newThrottledError(o.RetryAfter, o.HasRetryAfter), o.Err)
	case attempt.KindUnavailable:
		return attachURL(newUnavailableError(), o.Err)
	case attempt.KindTransportError:
		return attachURL(newTransportError(o.Err), o.Err)
	case attempt.KindBodyWriteError:
		return attachURL(newBodyWriteError(o.Err), o.Err)
	default:
		return o.Err
	}
}

// urlCarrier is implemented by internal/attempt's url-tagging error
// wrapper.
type urlCarrier interface {
	URL() string
}
