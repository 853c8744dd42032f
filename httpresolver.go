package edge

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// defaultUpstreamTimeout bounds a single upstream resolve call.
const defaultUpstreamTimeout = 5 * time.Second

// HTTPResolverOptions configures HTTPResolver.
type HTTPResolverOptions struct {
	// Endpoint is the upstream DNS-over-HTTPS server this resolver
	// forwards every Request to, e.g. "https://resolver.example.net/dns-query".
	Endpoint string

	TLSConfig *tls.Config

	QueryTimeout time.Duration
}

// HTTPResolver is a Resolver that forwards every Request to a single
// upstream DoH endpoint over HTTP/2, unconditionally POSTing the wire-
// format body and returning the upstream's response verbatim. It carries
// no caching, blocklisting or routing - those concerns belong to the
// external resolver a front-end is deployed in front of (§2); this type
// only exists so the listeners in this package have a real, runnable
// Resolver to hand queries to, grounded on the same request/response
// shape a production deployment would use.
type HTTPResolver struct {
	id     string
	opt    HTTPResolverOptions
	client *http.Client
}

var _ Resolver = &HTTPResolver{}

// NewHTTPResolver returns a resolver forwarding to opt.Endpoint.
func NewHTTPResolver(id string, opt HTTPResolverOptions) *HTTPResolver {
	if opt.QueryTimeout == 0 {
		opt.QueryTimeout = defaultUpstreamTimeout
	}
	return &HTTPResolver{
		id:  id,
		opt: opt,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: opt.TLSConfig, ForceAttemptHTTP2: true},
			Timeout:   opt.QueryTimeout,
		},
	}
}

// Resolve implements Resolver by POSTing req.Body to the configured
// upstream and returning its response. The incoming req's method and URL
// path are informational only; HTTPResolver always issues a POST carrying
// the raw DNS wire body, since that's the one request shape every DoH
// server is required to support.
func (h *HTTPResolver) Resolve(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opt.QueryTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.opt.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Wrap(err, "building upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/dns-message")
	httpReq.Header.Set("Accept", "application/dns-message")
	if rxid := req.Header.Get("X-Rxid"); rxid != "" {
		httpReq.Header.Set("X-Rxid", rxid)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "upstream request failed")
	}
	defer resp.Body.Close()

	body := make([]byte, 0, maxDNSMessageSize)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
		if len(body) > maxDNSMessageSize {
			return nil, errors.New("upstream response exceeds maximum message size")
		}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

func (h *HTTPResolver) String() string { return fmt.Sprintf("HTTPResolver(%s)", h.id) }
