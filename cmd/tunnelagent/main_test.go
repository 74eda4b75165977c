package main

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tunnl-fit/agent/internal/hooks"
	"github.com/tunnl-fit/agent/internal/protocol"
	"github.com/tunnl-fit/agent/internal/session"
)

// fakeTunnelServer stands in for the tunnel server, exercising the same
// handshake/dispatch loop the real one drives.
type fakeTunnelServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
}

func newFakeTunnelServer(t *testing.T) *fakeTunnelServer {
	t.Helper()
	fs := &fakeTunnelServer{conns: make(chan *websocket.Conn, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fs.conns <- conn
	})
	fs.srv = httptest.NewServer(mux)
	return fs
}

func (fs *fakeTunnelServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("fakeTunnelServer: no connection accepted")
		return nil
	}
}

func localServicePort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// TestEndToEnd_TunnelForwardsRequest drives a full connect -> CONNECT_ACK ->
// REQUEST -> RESPONSE round trip through session.Session directly, without
// spawning the compiled binary.
func TestEndToEnd_TunnelForwardsRequest(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/hello", r.URL.Path)
		w.Header().Set("X-Test", "ok")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("world"))
	}))
	t.Cleanup(local.Close)
	localPort := localServicePort(t, local)

	tunnelServer := newFakeTunnelServer(t)
	t.Cleanup(tunnelServer.srv.Close)

	opts := session.Options{
		ServerURL:    tunnelServer.srv.URL,
		LocalPort:    localPort,
		Reconnect:    false,
		AgentVersion: "test",
	}
	sess, err := session.New(opts, zerolog.Nop(), &hooks.Pipeline{})
	require.NoError(t, err)

	connectErr := make(chan error, 1)
	go func() { connectErr <- sess.Connect(context.Background()) }()

	conn := tunnelServer.accept(t)
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	connectFrame, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeConnect, connectFrame.Type)

	ackFrame := protocol.Envelope{
		Type:      protocol.TypeConnectAck,
		TunnelID:  "T1",
		Subdomain: "demo",
		PublicURL: "https://demo.tunnl.fit",
	}
	ackData, err := protocol.Encode(ackFrame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ackData))

	require.NoError(t, <-connectErr)
	require.Equal(t, session.StateEstablished, sess.State())
	// The ack's publicUrl does not contain the fake server's host, so the
	// normalizer rebuilds it as https://{subdomain}{serverHost}.
	require.Equal(t, "https://demo"+strings.TrimPrefix(tunnelServer.srv.URL, "http://"), sess.PublicURL())

	reqFrame := protocol.Envelope{
		Type:     protocol.TypeRequest,
		StreamID: "S1",
		Metadata: &protocol.Metadata{Method: "GET", Path: "/hello"},
	}
	reqData, err := protocol.Encode(reqFrame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, reqData))

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Type != protocol.TypeResponse {
			continue
		}
		require.Equal(t, "S1", env.StreamID)
		require.NotNil(t, env.Metadata)
		require.Equal(t, 200, env.Metadata.StatusCode)
		decoded, err := base64.StdEncoding.DecodeString(env.Body)
		require.NoError(t, err)
		require.Equal(t, "world", string(decoded))
		break
	}

	sess.Disconnect("Client disconnect")
	require.Equal(t, session.StateTerminated, sess.State())
}
