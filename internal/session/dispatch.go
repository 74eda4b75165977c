package session

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnl-fit/agent/internal/forwarder"
	"github.com/tunnl-fit/agent/internal/hooks"
	"github.com/tunnl-fit/agent/internal/protocol"
)

// maxWarnBodyLen is the base64-encoded response size (10 MiB) past which
// the dispatcher warns but still sends the frame.
const maxWarnBodyLen = 10 * 1024 * 1024

// dispatcher is component D: it routes each decoded Established-state frame
// to its handler, invoking the forwarder (B) for REQUEST frames.
type dispatcher struct {
	fwd   *forwarder.Forwarder
	hooks *hooks.Pipeline
	st    *sessionState
	send  func(protocol.Envelope) error
	log   zerolog.Logger

	localPort int
}

// handle processes one decoded frame while Established, per the transition
// table's Established row. It never blocks the read loop on a REQUEST — the
// forward call runs in its own goroutine so requests are processed
// concurrently even though frames arrive serialized.
func (d *dispatcher) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRequest:
		go d.handleRequest(env)
	case protocol.TypeHeartbeat:
		_ = d.send(protocol.Envelope{Type: protocol.TypeHeartbeatAck})
	case protocol.TypeHeartbeatAck:
		// no client-side ack timeout is enforced; nothing to do.
	case protocol.TypeError:
		d.log.Warn().Str("code", env.Code).Str("message", env.Message).Msg("server reported error")
	case protocol.TypeConnectAck, protocol.TypeConnect, protocol.TypeDisconnect, protocol.TypeRequestLog, protocol.TypeLocalServicePing:
		// Consumed elsewhere in the handshake, or agent-to-server-only; an
		// occurrence here is unexpected but not fatal.
		d.log.Warn().Str("type", string(env.Type)).Msg("unexpected frame type in established state, dropping")
	default:
		if !protocol.Known(env.Type) {
			d.log.Warn().Str("type", string(env.Type)).Msg("unknown frame type, dropping")
			return
		}
		d.log.Warn().Str("type", string(env.Type)).Msg("unhandled known frame type, dropping")
	}
}

func (d *dispatcher) handleRequest(env protocol.Envelope) {
	start := time.Now()

	_, subdomain, publicURL := d.st.Identity()
	d.hooks.NotifyRequest(subdomain, env.StreamID)

	meta := env.Metadata
	if meta == nil {
		meta = &protocol.Metadata{}
	}

	var body []byte
	if env.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(env.Body)
		if err == nil {
			body = decoded
		}
	}

	req := forwarder.Request{
		Method:  meta.Method,
		Path:    meta.Path,
		Query:   meta.Query,
		Headers: meta.Headers,
		Body:    body,
	}
	d.hooks.RunBeforeProxy(env.StreamID, req)

	resp, err := d.fwd.Forward(d.localPort, req)

	var respEnv protocol.Envelope
	var statusCode int
	var errMessage string
	if err != nil {
		statusCode = 502
		errMessage = err.Error()
		respEnv = protocol.Envelope{
			Type:     protocol.TypeResponse,
			StreamID: env.StreamID,
			Metadata: &protocol.Metadata{
				StatusCode:    502,
				StatusMessage: "Bad Gateway",
				Headers:       map[string][]string{"content-type": {"text/plain"}},
			},
			Body: base64.StdEncoding.EncodeToString([]byte("Error forwarding request to local service")),
		}
	} else {
		statusCode = resp.StatusCode
		encoded := base64.StdEncoding.EncodeToString(resp.Body)
		if len(encoded) > maxWarnBodyLen {
			d.log.Warn().Str("stream_id", env.StreamID).Int("encoded_len", len(encoded)).Msg("response body exceeds 10 MiB, sending anyway")
		}
		respEnv = protocol.Envelope{
			Type:     protocol.TypeResponse,
			StreamID: env.StreamID,
			Metadata: &protocol.Metadata{
				StatusCode:    resp.StatusCode,
				StatusMessage: resp.StatusMessage,
				Headers:       resp.Headers,
			},
			Body: encoded,
		}
	}
	_ = d.send(respEnv)

	latency := time.Since(start)
	d.hooks.RunAfterProxy(env.StreamID, req, resp, latency.Milliseconds())

	host := firstHeader(meta.Headers, "host")
	if host == "" {
		host = publicURL
	}
	if host == "" {
		host = "unknown"
	}

	logEnv := protocol.Envelope{
		Type:         protocol.TypeRequestLog,
		TunnelID:     nonEmptyTunnelID(d.st),
		Method:       meta.Method,
		Host:         host,
		Path:         meta.Path,
		StatusCode:   statusCode,
		ResponseTime: latency.Milliseconds(),
		UserAgent:    firstHeader(meta.Headers, "user-agent"),
		IPAddress:    firstHeader(meta.Headers, "x-forwarded-for"),
		ErrorMessage: errMessage,
	}
	_ = d.send(logEnv)
}

func nonEmptyTunnelID(st *sessionState) string {
	tunnelID, _, _ := st.Identity()
	return tunnelID
}

func firstHeader(headers map[string][]string, key string) string {
	if headers == nil {
		return ""
	}
	for k, values := range headers {
		if strings.EqualFold(k, key) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
