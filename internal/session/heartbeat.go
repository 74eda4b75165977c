package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tunnl-fit/agent/internal/protocol"
)

const (
	heartbeatInterval = 30 * time.Second
	probeInterval     = 5 * time.Second
	probeTimeout      = 3 * time.Second
	probeUserAgent    = "Tunnel-Agent-Ping"
)

// sender is the minimal outbound surface heartbeat and local-probe need;
// satisfied by *Session's single-writer conn wrapper.
type sender interface {
	send(env protocol.Envelope) error
}

// startHeartbeat runs component E's heartbeat timer: every interval while
// Established, emit HEARTBEAT. Returns a cancel func stopping the ticker.
// Production callers pass heartbeatInterval; tests pass a shorter one.
func startHeartbeat(s sender, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.send(protocol.Envelope{Type: protocol.TypeHeartbeat})
			}
		}
	}()
	return cancel
}

// startLocalProbe runs component E's local-service liveness probe: every
// interval starting immediately, HEAD localhost:{localPort} and push a
// LOCAL_SERVICE_PING with the observed liveness. Errors other than
// connection-refused/timeout are silently ignored — no frame is emitted.
// Production callers pass probeInterval; tests pass a shorter one.
func startLocalProbe(s sender, tunnelID func() string, localPort int, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	client := &http.Client{Timeout: probeTimeout}

	probe := func() {
		live, skip := probeLocalService(client, localPort)
		if skip {
			return
		}
		connected := live
		_ = s.send(protocol.Envelope{
			Type:                  protocol.TypeLocalServicePing,
			TunnelID:              tunnelID(),
			LocalServiceConnected: &connected,
		})
	}

	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
	return cancel
}

// probeLocalService issues one HEAD / against localhost:{localPort}. It
// returns (live, skip): skip is true when the error was neither
// connection-refused nor a timeout; such errors are silently ignored
// rather than reported as a liveness determination.
func probeLocalService(client *http.Client, localPort int) (live bool, skip bool) {
	req, err := http.NewRequest(http.MethodHead, fmt.Sprintf("http://localhost:%d/", localPort), nil)
	if err != nil {
		return false, true
	}
	req.Header.Set("User-Agent", probeUserAgent)

	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
		return true, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false, false
	}
	if strings.Contains(err.Error(), "connection refused") {
		return false, false
	}
	return false, true
}
