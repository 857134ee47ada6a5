// Package proxyrewrite implements the three proxy modes the client can
// be configured with: Direct, an HTTP forward proxy, or a local Mesh
// sidecar.
package proxyrewrite

import (
	"net/http"
	"net/url"
	"strconv"
)

// Mode rewrites a request's URL and/or headers according to one proxy
// configuration. Implementations must be safe to share across
// dispatches; Apply itself mutates only the passed-in url/headers.
type Mode interface {
	Apply(u *url.URL, headers http.Header) *url.URL
}

// Direct performs no mutation; the request goes straight to the
// selected node.
type Direct struct{}

func (Direct) Apply(u *url.URL, _ http.Header) *url.URL { return u }

// Credentials is the Proxy-Authorization value to present to an HTTP
// forward proxy.
type Credentials struct {
	Value string
}

// HTTP rewrites requests for an HTTP forward proxy. HTTPS-through-proxy
// is handled by the transport's own CONNECT tunnelling and is out of
// scope here; this mode only ever touches plain-http requests.
type HTTP struct {
	Credentials *Credentials
}

func (m HTTP) Apply(u *url.URL, headers http.Header) *url.URL {
	if u.Scheme == "http" && m.Credentials != nil {
		headers.Set("Proxy-Authorization", m.Credentials.Value)
	}
	return u
}

// Mesh routes all traffic to a local sidecar at Host:Port while
// preserving the logical destination in the Host header.
type Mesh struct {
	Host string
	Port int
}

func (m Mesh) Apply(u *url.URL, headers http.Header) *url.URL {
	original := u.Hostname()
	if p := u.Port(); p != "" {
		original = original + ":" + p
	}
	headers.Set("Host", original)

	out := *u
	out.Host = m.Host + ":" + strconv.Itoa(m.Port)
	return &out
}
