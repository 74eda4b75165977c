// Package stats keeps an in-memory record of recent forwarded requests and
// aggregate tunnel counters, exposed over a loopback-only dashboard server.
// A process runs at most one tunnel, so the store tracks a single tunnel's
// stats rather than a map keyed by subdomain.
package stats

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnl-fit/agent/internal/forwarder"
	"github.com/tunnl-fit/agent/internal/hooks"
)

const maxStoredBodyLen = 64_000

// RequestEntry is a single logged request/response pair held in memory.
type RequestEntry struct {
	ID              int
	StreamID        string
	Method          string
	Path            string
	Status          int
	Latency         time.Duration
	BytesIn         int
	BytesOut        int
	Timestamp       time.Time
	RequestHeaders  map[string][]string
	RequestBody     string
	ResponseHeaders map[string][]string
	ResponseBody    string
}

// TunnelStats holds aggregate counters for the current tunnel.
type TunnelStats struct {
	Subdomain     string
	Port          int
	TotalRequests int
	ErrorCount    int
	TotalBytesIn  int
	TotalBytesOut int
	TotalLatency  time.Duration
	MaxLatency    time.Duration
	MinLatency    time.Duration
	ConnectedAt   time.Time
}

// Store is the in-memory stats store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tunnel  *TunnelStats
	logs    []RequestEntry // ring buffer
	maxLogs int
	nextID  int
}

func NewStore(maxLogs int) *Store {
	return &Store{maxLogs: maxLogs}
}

func (s *Store) RecordConnect(subdomain string, localPort int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunnel = &TunnelStats{
		Subdomain:   subdomain,
		Port:        localPort,
		MinLatency:  time.Duration(1<<63 - 1),
		ConnectedAt: time.Now(),
	}
}

func (s *Store) RecordDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunnel = nil
}

// RecordRequest appends a ring-buffer entry and folds it into the current
// tunnel's aggregate counters, if one is connected.
func (s *Store) RecordRequest(streamID string, req forwarder.Request, resp forwarder.Response, latency time.Duration) {
	bytesIn := len(req.Body)
	bytesOut := len(resp.Body)

	var reqBody, respBody string
	if len(req.Body) < maxStoredBodyLen {
		reqBody = string(req.Body)
	}
	if len(resp.Body) < maxStoredBodyLen {
		respBody = string(resp.Body)
	}

	entry := RequestEntry{
		StreamID:        streamID,
		Method:          req.Method,
		Path:            req.Path,
		Status:          resp.StatusCode,
		Latency:         latency,
		BytesIn:         bytesIn,
		BytesOut:        bytesOut,
		Timestamp:       time.Now(),
		RequestHeaders:  req.Headers,
		RequestBody:     reqBody,
		ResponseHeaders: resp.Headers,
		ResponseBody:    respBody,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID

	if len(s.logs) >= s.maxLogs {
		s.logs = append(s.logs[1:], entry)
	} else {
		s.logs = append(s.logs, entry)
	}

	if s.tunnel == nil {
		return
	}
	s.tunnel.TotalRequests++
	s.tunnel.TotalBytesIn += bytesIn
	s.tunnel.TotalBytesOut += bytesOut
	s.tunnel.TotalLatency += latency
	if latency > s.tunnel.MaxLatency {
		s.tunnel.MaxLatency = latency
	}
	if latency < s.tunnel.MinLatency {
		s.tunnel.MinLatency = latency
	}
	if resp.StatusCode >= 400 {
		s.tunnel.ErrorCount++
	}
}

// Snapshot returns a copy of the current tunnel's stats, or nil if no
// tunnel is connected.
func (s *Store) Snapshot() *TunnelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tunnel == nil {
		return nil
	}
	cp := *s.tunnel
	return &cp
}

// RecentLogs returns up to the last n request entries, most recent last.
func (s *Store) RecentLogs(n int) []RequestEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]RequestEntry, n)
	copy(out, s.logs[len(s.logs)-n:])
	return out
}

// Plugin wires the store into the session's hook pipeline and, once a
// tunnel connects, starts the loopback dashboard server. A dashboardPort
// of 0 disables the dashboard entirely; the store still records history.
type Plugin struct {
	dashboardPort int
	log           zerolog.Logger
	store         *Store
	server        *Server
}

func New(dashboardPort int, log zerolog.Logger) *Plugin {
	return &Plugin{
		dashboardPort: dashboardPort,
		log:           log,
		store:         NewStore(1000),
	}
}

func (p *Plugin) Name() string { return "stats" }

func (p *Plugin) RequestHooks() []hooks.RequestHook {
	return []hooks.RequestHook{&reqHook{store: p.store}}
}

func (p *Plugin) ConnectionHooks() []hooks.ConnectionHook {
	return []hooks.ConnectionHook{&connHook{store: p.store, plugin: p}}
}

// Store returns the underlying store for out-of-band consumers.
func (p *Plugin) Store() *Store { return p.store }

func (p *Plugin) startDashboard() {
	if p.dashboardPort == 0 || p.server != nil {
		return
	}
	srv, err := StartServer(p.store, p.dashboardPort)
	if err != nil {
		p.log.Warn().Err(err).Msg("stats: failed to start dashboard server")
		return
	}
	p.server = srv
	p.log.Info().Str("addr", srv.Addr()).Msg("stats: dashboard listening")
}

func (p *Plugin) stopDashboard() {
	if p.server == nil {
		return
	}
	p.server.Close()
	p.server = nil
}

// reqHook tracks each request's start time keyed by streamID, which the
// dispatcher guarantees is unique per in-flight request.
type reqHook struct {
	hooks.NoOpRequestHook
	store   *Store
	pending sync.Map // streamID -> time.Time
}

func (h *reqHook) BeforeProxy(streamID string, req forwarder.Request) {
	h.pending.Store(streamID, time.Now())
}

func (h *reqHook) AfterProxy(streamID string, req forwarder.Request, resp forwarder.Response, latencyMillis int64) {
	latency := time.Duration(latencyMillis) * time.Millisecond
	if v, ok := h.pending.LoadAndDelete(streamID); ok {
		latency = time.Since(v.(time.Time))
	}
	h.store.RecordRequest(streamID, req, resp, latency)
}

type connHook struct {
	hooks.NoOpConnectionHook
	store  *Store
	plugin *Plugin
}

func (h *connHook) OnConnect(subdomain string, localPort int) {
	h.store.RecordConnect(subdomain, localPort)
	h.plugin.startDashboard()
}

func (h *connHook) OnDisconnect(subdomain string, err error) {
	h.store.RecordDisconnect()
	h.plugin.stopDashboard()
}
