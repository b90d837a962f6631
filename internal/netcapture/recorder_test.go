package netcapture

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/probe/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startRecorder(t *testing.T) (*Recorder, *http.Client) {
	t.Helper()
	r, err := Start(zaptest.NewLogger(t), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, r.Close(ctx))
	})

	proxyURL, err := url.Parse("http://" + r.Addr())
	require.NoError(t, err)
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true}
	t.Cleanup(transport.CloseIdleConnections)
	return r, &http.Client{Transport: transport, Timeout: 5 * time.Second}
}

func TestRecorderRecordsExchanges(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/missing" {
			http.NotFound(w, req)
			return
		}
		_, _ = io.WriteString(w, "customer list")
	}))
	defer upstream.Close()

	r, client := startRecorder(t)

	resp, err := client.Get(upstream.URL + "/customers")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "customer list", string(body))

	resp, err = client.Get(upstream.URL + "/missing")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())

	assert.Eventually(t, func() bool {
		recs := r.Requests()
		return len(recs) == 2 && recs[0].Bytes == int64(len("customer list"))
	}, 2*time.Second, 10*time.Millisecond)

	recs := r.Requests()
	assert.Equal(t, http.MethodGet, recs[0].Method)
	assert.Equal(t, upstream.URL+"/customers", recs[0].URL)
	assert.Equal(t, http.StatusOK, recs[0].Status)
	assert.Equal(t, http.StatusNotFound, recs[1].Status)
	assert.False(t, recs[0].StartedAt.IsZero())
}

func TestRecorderRecordsUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	dead := upstream.URL
	upstream.Close()

	r, client := startRecorder(t)
	resp, err := client.Get(dead + "/gone")
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	recs := r.Requests()
	require.Len(t, recs, 1)
	assert.Equal(t, dead+"/gone", recs[0].URL)
	assert.NotEmpty(t, recs[0].Error)
	assert.Zero(t, recs[0].Status)
}

func TestRequestsReturnsCopy(t *testing.T) {
	r, _ := startRecorder(t)
	r.add(schemas.RequestRecord{Method: http.MethodGet, URL: "http://app.test/"})

	recs := r.Requests()
	recs[0].URL = "changed"
	assert.Equal(t, "http://app.test/", r.Requests()[0].URL)
}
