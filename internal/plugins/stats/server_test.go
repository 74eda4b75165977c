package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunnl-fit/agent/internal/forwarder"
)

func TestServer_SummaryReflectsStore(t *testing.T) {
	store := NewStore(10)
	store.RecordConnect("demo", 3000)
	store.RecordRequest("s1", forwarder.Request{Method: "GET", Path: "/a"}, forwarder.Response{StatusCode: 200}, 10*time.Millisecond)
	store.RecordRequest("s2", forwarder.Request{Method: "GET", Path: "/b"}, forwarder.Response{StatusCode: 502}, 20*time.Millisecond)

	srv, err := StartServer(store, 0)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/api/stats/summary", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Summary summaryJSON `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Summary.Connected)
	require.Equal(t, 2, body.Summary.TotalRequests)
	require.Equal(t, 1, body.Summary.TotalErrors)
}

func TestServer_RequestsEndpointHonorsLimit(t *testing.T) {
	store := NewStore(50)
	for i := 0; i < 5; i++ {
		store.RecordRequest("s", forwarder.Request{Path: "/x"}, forwarder.Response{StatusCode: 200}, time.Millisecond)
	}

	srv, err := StartServer(store, 0)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/api/stats/requests?limit=2", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Requests []requestJSON `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Requests, 2)
}

func TestServer_DashboardPageServedAtRoot(t *testing.T) {
	srv, err := StartServer(NewStore(10), 0)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "tunnel agent")
}

func TestServer_CORSHeadersPresent(t *testing.T) {
	srv, err := StartServer(NewStore(10), 0)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/api/stats/summary", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
