package edge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPResolverForwardsBodyAndHeaders(t *testing.T) {
	var gotRxid, gotContentType string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRxid = r.Header.Get("X-Rxid")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write([]byte("answer-bytes"))
	}))
	defer srv.Close()

	resolver := NewHTTPResolver("test", HTTPResolverOptions{Endpoint: srv.URL})

	req := &Request{
		Method: http.MethodPost,
		URL:    &url.URL{Scheme: "https", Host: "example.com", Path: "/"},
		Header: http.Header{"X-Rxid": []string{"abc-123"}},
		Body:   []byte("query-bytes"),
	}

	resp, err := resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, []byte("answer-bytes"), resp.Body)
	require.Equal(t, "abc-123", gotRxid)
	require.Equal(t, "application/dns-message", gotContentType)
	require.Equal(t, []byte("query-bytes"), gotBody)
}

func TestHTTPResolverUpstreamFailure(t *testing.T) {
	resolver := NewHTTPResolver("test", HTTPResolverOptions{Endpoint: "http://127.0.0.1:1"})
	_, err := resolver.Resolve(context.Background(), &Request{Body: []byte("x")})
	require.Error(t, err)
}
