package dispatch

import (
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/nodeedge/dispatch/internal/attempt"
	"github.com/nodeedge/dispatch/internal/nodeselector"
	"github.com/nodeedge/dispatch/internal/proxyrewrite"
	"github.com/nodeedge/dispatch/internal/transport"
)

// ProxyConfig selects how outgoing requests are routed to a proxy, or
// direct to the selected node.
type ProxyConfig struct {
	// Mode is one of proxyrewrite.Direct, HTTP or Mesh, as built by
	// Direct, HTTPProxy and MeshProxy.
	Mode proxyrewrite.Mode
}

// Direct routes requests straight to the selected node.
func Direct() ProxyConfig { return ProxyConfig{Mode: proxyrewrite.Direct{}} }

// HTTPProxy routes plain-http requests through a forward proxy,
// presenting credentials (if any) via Proxy-Authorization.
func HTTPProxy(credentials string) ProxyConfig {
	var creds *proxyrewrite.Credentials
	if credentials != "" {
		creds = &proxyrewrite.Credentials{Value: credentials}
	}
	return ProxyConfig{Mode: proxyrewrite.HTTP{Credentials: creds}}
}

// MeshProxy routes all traffic to a local sidecar at host:port while
// preserving the logical destination in the Host header.
func MeshProxy(host string, port int) ProxyConfig {
	return ProxyConfig{Mode: proxyrewrite.Mesh{Host: host, Port: port}}
}

// Config is the caller-provided, construction-time configuration for a
// Client. Its assembly (defaults, validation) is deliberately outside
// the dispatch hot path, per the core's scope: it only ever produces
// the read-only ClientState snapshot the dispatch loop consumes.
type Config struct {
	// ServiceName identifies the logical service for diagnostics.
	ServiceName string
	// Nodes is the fixed set of candidate backend base URLs. Ignored
	// if NodeFactory is set.
	Nodes []*url.URL
	// NodeFactory overrides the default round-robin pool with a
	// caller-supplied cursor factory (pinning, power-of-two-choices,
	// etc. all implement the same contract).
	NodeFactory nodeselector.Factory
	// Transport overrides the default net/http-backed transport.
	Transport transport.Transport
	// HTTPClient is used to build the default Transport when
	// Transport is nil.
	HTTPClient *http.Client
	// Proxy selects the proxy mode; defaults to Direct.
	Proxy ProxyConfig
	// RequestTimeout bounds one entire dispatch, default 30s.
	RequestTimeout time.Duration
	// MaxNumRetries bounds the number of attempts, default 4.
	MaxNumRetries int
	// BackoffSlotSize scales the full-jitter backoff, default 250ms.
	BackoffSlotSize time.Duration
	// PropagateQoSErrors surfaces 429/503 to the caller instead of
	// retrying them internally.
	PropagateQoSErrors bool
	// PropagateServiceErrors exposes server-provided error metadata
	// (params) on decoded ServiceErrors.
	PropagateServiceErrors bool
	// ErrorDecoder decodes non-2xx/429/503 responses; defaults to
	// JSONErrorDecoder.
	ErrorDecoder attempt.ErrorDecoder
}

// clientStateSnapshot is the read-only, versioned state one dispatch
// consumes. A Client swaps this atomically on Reconfigure so an
// in-flight dispatch never observes a torn update.
type clientStateSnapshot struct {
	serviceName            string
	nodeFactory            nodeselector.Factory
	transport              transport.Transport
	proxy                  proxyrewrite.Mode
	requestTimeout         time.Duration
	maxNumRetries          int
	backoffSlotSize        time.Duration
	propagateQoSErrors     bool
	propagateServiceErrors bool
	errorDecoder           attempt.ErrorDecoder
}

// Client dispatches Requests against a configured set of nodes. It is
// safe for concurrent use by many goroutines; Reconfigure may be
// called concurrently with in-flight Send calls without affecting
// them, because each Send loads a fresh immutable snapshot at entry.
type Client struct {
	state atomic.Pointer[clientStateSnapshot]
}

// NewClient builds a Client from cfg, applying defaults for any
// zero-valued tunable.
func NewClient(cfg Config) *Client {
	c := &Client{}
	c.Reconfigure(cfg)
	return c
}

// Reconfigure atomically replaces the client's configuration. It does
// not affect any dispatch already in flight.
func (c *Client) Reconfigure(cfg Config) {
	snap := &clientStateSnapshot{
		serviceName:            cfg.ServiceName,
		proxy:                  cfg.Proxy.Mode,
		requestTimeout:         cfg.RequestTimeout,
		maxNumRetries:          cfg.MaxNumRetries,
		backoffSlotSize:        cfg.BackoffSlotSize,
		propagateQoSErrors:     cfg.PropagateQoSErrors,
		propagateServiceErrors: cfg.PropagateServiceErrors,
		errorDecoder:           cfg.ErrorDecoder,
	}
	if snap.proxy == nil {
		snap.proxy = proxyrewrite.Direct{}
	}
	if snap.requestTimeout <= 0 {
		snap.requestTimeout = 30 * time.Second
	}
	if snap.maxNumRetries <= 0 {
		snap.maxNumRetries = 4
	}
	if snap.backoffSlotSize <= 0 {
		snap.backoffSlotSize = 250 * time.Millisecond
	}
	if snap.errorDecoder == nil {
		snap.errorDecoder = attempt.JSONErrorDecoder{}
	}

	if cfg.NodeFactory != nil {
		snap.nodeFactory = cfg.NodeFactory
	} else {
		snap.nodeFactory = nodeselector.NewRoundRobinPool(cfg.Nodes)
	}

	if cfg.Transport != nil {
		snap.transport = cfg.Transport
	} else {
		snap.transport = transport.New(cfg.HTTPClient)
	}

	c.state.Store(snap)
}

func wrapNode(n *nodeselector.Node) *attempt.Node {
	return &attempt.Node{URL: n.URL, Metrics: n.Metrics}
}
