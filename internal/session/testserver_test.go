package session

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tunnl-fit/agent/internal/protocol"
)

// fakeServer stands in for the tunnel server: it upgrades /agent to a
// WebSocket and hands each accepted connection to the test.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fs.conns <- conn
	})
	fs.srv = httptest.NewServer(mux)
	return fs
}

func (fs *fakeServer) url() string { return fs.srv.URL }

func (fs *fakeServer) close() { fs.srv.Close() }

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("fakeServer: no connection accepted")
		return nil
	}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readEnvelopeOfType reads frames off conn, discarding any that don't match
// want (e.g. an interleaved LOCAL_SERVICE_PING), until one matches or the
// deadline passes.
func readEnvelopeOfType(t *testing.T, conn *websocket.Conn, want protocol.Type, timeout time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for frame type %s", want)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Type == want {
			return env
		}
	}
}

func newLocalService(t *testing.T, handler http.HandlerFunc) (*httptest.Server, int) {
	t.Helper()
	srv := httptest.NewServer(handler)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, port
}
