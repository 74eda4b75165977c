// Package session implements the tunnel session lifecycle: establishment,
// heartbeat, local-service liveness probing, disconnect detection, and
// exponential-backoff reconnection with bounded retries (components
// C through G).
package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tunnl-fit/agent/internal/forwarder"
	"github.com/tunnl-fit/agent/internal/hooks"
	"github.com/tunnl-fit/agent/internal/protocol"
	"github.com/tunnl-fit/agent/internal/urlnorm"
)

const handshakeTimeout = 60 * time.Second

// wsWriter serializes every outbound frame behind one mutex so that the
// heartbeat ticker, the local-probe ticker, and request handlers never
// interleave writes on the same socket.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("session: write on closed connection")
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

// Session is G, the Tunnel Session Facade: it composes A-F behind a minimal
// connect/disconnect interface.
type Session struct {
	opts Options
	log  zerolog.Logger
	fwd  *forwarder.Forwarder
	hks  *hooks.Pipeline

	st *sessionState
	w  *wsWriter

	dialer *websocket.Dialer

	// OnFatal is invoked from the reconnection supervisor when the retry
	// ceiling is reached. If nil, the error is only logged.
	OnFatal func(error)

	loopCtx context.Context
	cancel  context.CancelFunc
}

// New builds a Session from validated Options. hks may be nil.
func New(opts Options, log zerolog.Logger, hks *hooks.Pipeline) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if hks == nil {
		hks = &hooks.Pipeline{}
	}
	return &Session{
		opts:   opts,
		log:    log,
		fwd:    forwarder.New(heartbeatInterval),
		hks:    hks,
		st:     newSessionState(),
		w:      &wsWriter{},
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.st.Get() }

// PublicURL returns the normalized public URL assigned by the server, or
// the empty string before Established.
func (s *Session) PublicURL() string {
	_, _, publicURL := s.st.Identity()
	return publicURL
}

// Connect opens the control channel and blocks until the tunnel is
// Established or the handshake definitively fails (Idle -> Connecting ->
// Awaiting-Ack -> Established, or Terminated on failure).
func (s *Session) Connect(ctx context.Context) error {
	s.st.set(StateConnecting)
	s.loopCtx, s.cancel = context.WithCancel(context.Background())

	if err := s.dial(ctx); err != nil {
		s.st.set(StateTerminated)
		return err
	}
	return nil
}

// dial performs one full handshake attempt: open the channel, emit CONNECT,
// wait for CONNECT_ACK, and on success start the Established machinery. It
// satisfies the reconnector interface consumed by reconnectSupervisor.
func (s *Session) dial(ctx context.Context) error {
	wsURL, err := controlChannelURL(s.opts.ServerURL)
	if err != nil {
		return &TransportError{Op: "build url", Err: err}
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	s.w = &wsWriter{conn: conn}
	s.st.set(StateAwaitingAck)

	frames := make(chan protocol.Envelope, 16)
	closed := make(chan error, 1)
	go readPump(conn, s.log, frames, closed)

	ack, err := s.awaitConnectAck(frames, closed)
	if err != nil {
		s.w.close()
		return err
	}

	publicURL := urlnorm.Normalize(s.opts.ServerURL, ack.Subdomain, ack.PublicURL)
	s.st.establish(ack.TunnelID, ack.Subdomain, publicURL)
	s.hks.NotifyConnect(ack.Subdomain, s.opts.LocalPort)
	s.log.Info().Str("public_url", publicURL).Str("subdomain", ack.Subdomain).Msg("tunnel established")

	heartbeatCancel := startHeartbeat(s.w, heartbeatInterval)
	probeCancel := startLocalProbe(s.w, func() string {
		tunnelID, _, _ := s.st.Identity()
		return tunnelID
	}, s.opts.LocalPort, probeInterval)
	s.st.setTimers(cancelFuncs{heartbeat: heartbeatCancel, probe: probeCancel})

	go s.runEstablished(frames, closed)

	return nil
}

func (s *Session) awaitConnectAck(frames <-chan protocol.Envelope, closed <-chan error) (protocol.Envelope, error) {
	if err := s.w.send(protocol.Envelope{
		Type:               protocol.TypeConnect,
		Token:              s.opts.Token,
		RequestedSubdomain: s.opts.Subdomain,
		AgentVersion:       s.opts.AgentVersion,
		LocalPort:          s.opts.LocalPort,
	}); err != nil {
		return protocol.Envelope{}, &TransportError{Op: "send CONNECT", Err: err}
	}

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case env := <-frames:
			switch env.Type {
			case protocol.TypeConnectAck:
				return env, nil
			case protocol.TypeError:
				return protocol.Envelope{}, &ServerError{Code: env.Code, Message: env.Message}
			default:
				s.log.Warn().Str("type", string(env.Type)).Msg("unexpected frame while awaiting CONNECT_ACK, dropping")
			}
		case err := <-closed:
			return protocol.Envelope{}, &TransportError{Op: "channel closed before CONNECT_ACK", Err: err}
		case <-timer.C:
			return protocol.Envelope{}, &TransportError{Op: "handshake", Err: fmt.Errorf("timed out waiting for CONNECT_ACK")}
		}
	}
}

// runEstablished consumes decoded frames while Established and reacts to
// channel closure by handing off to the reconnection supervisor.
func (s *Session) runEstablished(frames <-chan protocol.Envelope, closed <-chan error) {
	d := &dispatcher{
		fwd:       s.fwd,
		hooks:     s.hks,
		st:        s.st,
		send:      s.w.send,
		log:       s.log,
		localPort: s.opts.LocalPort,
	}

	for {
		select {
		case env, ok := <-frames:
			if !ok {
				return
			}
			d.handle(env)
		case err := <-closed:
			s.handleDisconnect(err)
			return
		case <-s.loopCtx.Done():
			return
		}
	}
}

func (s *Session) handleDisconnect(err error) {
	_, subdomain, _ := s.st.Identity()
	s.st.stopTimers()
	s.hks.NotifyDisconnect(subdomain, err)
	s.st.clearIdentity()

	if !s.st.ShouldReconnect() || !s.opts.Reconnect {
		s.st.set(StateTerminated)
		return
	}

	sup := &reconnectSupervisor{st: s.st, log: s.log, onFatal: s.OnFatal}
	sup.run(s.loopCtx, s)
}

// Disconnect implements the `disconnect()` transition: stop reconnecting,
// cancel all timers, best-effort emit DISCONNECT, and close the channel.
// Non-blocking with respect to any inflight request handlers.
func (s *Session) Disconnect(reason string) {
	s.st.setShouldReconnect(false)
	s.st.stopTimers()
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.w.send(protocol.Envelope{Type: protocol.TypeDisconnect, Reason: reason})
	s.w.close()
	s.st.set(StateTerminated)
}

// readPump reads frames off the socket until it errors or is closed,
// decoding each into an Envelope. Malformed frames are logged and dropped
// and the channel stays open — only a genuine read error ends the pump.
func readPump(conn *websocket.Conn, log zerolog.Logger, frames chan<- protocol.Envelope, closed chan<- error) {
	defer close(frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closed <- err
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		frames <- env
	}
}

// controlChannelURL rewrites serverUrl's scheme to ws(s):// and appends the
// /agent endpoint path.
func controlChannelURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/agent"
	return u.String(), nil
}
