// Package forwarder issues the single outbound HTTP request per framed
// REQUEST that the session dispatcher forwards to the local service.
package forwarder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// filteredHeaders are stripped from the outbound request: either re-derived
// by net/http or meaningless for a point-to-point hop.
var filteredHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"transfer-encoding": true,
	"content-length":    true,
}

// LocalServiceDown is returned when the local service refused the connection.
type LocalServiceDown struct {
	Port int
}

func (e *LocalServiceDown) Error() string {
	return fmt.Sprintf("Cannot connect to local service on port %d. Is your service running?", e.Port)
}

// LocalServiceTimeout is returned when the request to the local service
// timed out or was otherwise aborted.
type LocalServiceTimeout struct{}

func (e *LocalServiceTimeout) Error() string {
	return "Request to local service timed out"
}

// Request is one inbound framed HTTP request to forward.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string][]string
	Body    []byte
}

// Response is what the local service returned. Headers is an http.Header so
// callers that only care about one value can use Get instead of indexing the
// underlying map[string][]string directly.
type Response struct {
	StatusCode    int
	StatusMessage string
	Headers       http.Header
	Body          []byte
}

// Forwarder issues outbound requests to a local service over HTTP/1.1.
type Forwarder struct {
	client *http.Client
}

// New returns a Forwarder with the given per-request timeout. The session
// passes its heartbeat interval, so a forwarded request is never cut off
// sooner than the channel heartbeat cadence.
func New(timeout time.Duration) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward sends req to the local service listening on localPort and returns
// its response headers and body unmodified — any status code, 4xx/5xx
// included, is a successful Forward; only transport failures return an error.
func (f *Forwarder) Forward(localPort int, req Request) (Response, error) {
	targetURL := fmt.Sprintf("http://localhost:%d%s", localPort, req.Path)
	if req.Query != "" {
		targetURL += "?" + req.Query
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequest(req.Method, targetURL, body)
	if err != nil {
		return Response{}, fmt.Errorf("forwarder: build request: %w", err)
	}

	for k, values := range req.Headers {
		if filteredHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Response{}, &LocalServiceTimeout{}
		}
		if isConnRefused(err) {
			return Response{}, &LocalServiceDown{Port: localPort}
		}
		return Response{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("forwarder: read response body: %w", err)
	}

	return Response{
		StatusCode:    resp.StatusCode,
		StatusMessage: http.StatusText(resp.StatusCode),
		Headers:       resp.Header,
		Body:          respBody,
	}, nil
}

func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}
