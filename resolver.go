package edge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Request is the value the front-end builds for every query it hands to
// the external resolver, modeled on an HTTP request: a method, a URL whose
// path carries the routing flag, a header set (including the x-rxid
// correlation id and, for DoT bodies, content-length), and a body.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Response is what the external resolver returns for a Request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Resolver is the external collaborator that performs the actual DNS
// resolution: recursion, caching, blocklists and upstream transport
// selection all live behind this single call. It is a black box to the
// front-end; a nil *Response is handled like an error: the DoT pipeline
// answers with a synthesised SERVFAIL and the DoH handler with 502.
type Resolver interface {
	Resolve(ctx context.Context, req *Request) (*Response, error)
	fmt.Stringer
}

// ClientInfo carries metadata about the connection a query arrived on,
// extracted by the listener before the query reaches the resolver.
type ClientInfo struct {
	Listener      string
	SourceIP      string
	TLSServerName string
	Flag          string
	Host          string
}
