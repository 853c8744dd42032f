package edge

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthHandlerReturnsOKAndIncrementsChecks(t *testing.T) {
	stats := NewStats()
	l := NewHealthListener("health-test", "127.0.0.1:0", ListenOptions{MaxConns: 10}, stats, NewTracker())

	req := httptest.NewRequest(http.MethodGet, "http://health.example/", nil)
	rec := httptest.NewRecorder()

	l.healthHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), stats.Checks())
}

func TestHealthListenerStartServesAndStops(t *testing.T) {
	l := NewHealthListener("health-start-test", "127.0.0.1:0", ListenOptions{MaxConns: 10}, NewStats(), NewTracker())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Start() }()

	require.Eventually(t, func() bool {
		return l.ln != nil
	}, defaultTestWait, defaultTestTick)

	resp, err := http.Get("http://" + l.ln.Addr().String() + "/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, l.Stop())
	require.NoError(t, <-errCh)
}

func TestHealthListenerServesExpvarsOnVarsRoute(t *testing.T) {
	stats := NewStats()
	stats.IncReqs()
	l := NewHealthListener("health-vars-test", "127.0.0.1:0", ListenOptions{MaxConns: 10}, stats, NewTracker())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Start() }()

	require.Eventually(t, func() bool {
		return l.ln != nil
	}, defaultTestWait, defaultTestTick)
	defer l.Stop()

	resp, err := http.Get("http://" + l.ln.Addr().String() + "/vars")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "edge.stats.")
}
