package stats

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>tunnel agent dashboard</title>
<style>
body { font-family: monospace; margin: 2rem; background: #111; color: #eee; }
h1 { font-size: 1.1rem; }
table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
td, th { border-bottom: 1px solid #333; padding: 0.25rem 0.5rem; text-align: left; font-size: 0.85rem; }
.err { color: #f66; }
</style>
</head>
<body>
<h1>tunnel agent</h1>
<div id="summary"></div>
<table id="requests"><thead><tr><th>id</th><th>method</th><th>path</th><th>status</th><th>latency</th></tr></thead><tbody></tbody></table>
<script>
async function refresh() {
  const [s, r] = await Promise.all([
    fetch('/api/stats/summary').then(r => r.json()),
    fetch('/api/stats/requests?limit=50').then(r => r.json()),
  ]);
  document.getElementById('summary').textContent =
    JSON.stringify(s.summary);
  const tbody = document.querySelector('#requests tbody');
  tbody.innerHTML = '';
  for (const req of r.requests) {
    const tr = document.createElement('tr');
    tr.innerHTML = '<td>' + req.id + '</td><td>' + req.method + '</td><td>' +
      req.path + '</td><td class="' + (req.status >= 400 ? 'err' : '') + '">' +
      req.status + '</td><td>' + req.latency_ms.toFixed(0) + 'ms</td>';
    tbody.appendChild(tr);
  }
}
refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>
`

type tunnelJSON struct {
	Subdomain     string  `json:"subdomain"`
	Port          int     `json:"port"`
	TotalRequests int     `json:"total_requests"`
	ErrorCount    int     `json:"error_count"`
	AvgLatency    float64 `json:"avg_latency"`
	MaxLatency    float64 `json:"max_latency"`
	MinLatency    float64 `json:"min_latency"`
	TotalBytesIn  int     `json:"total_bytes_in"`
	TotalBytesOut int     `json:"total_bytes_out"`
	ConnectedAt   int64   `json:"connected_at"`
}

type requestJSON struct {
	ID              int                 `json:"id"`
	StreamID        string              `json:"stream_id"`
	Method          string              `json:"method"`
	Path            string              `json:"path"`
	Status          int                 `json:"status"`
	LatencyMs       float64             `json:"latency_ms"`
	BytesIn         int                 `json:"bytes_in"`
	BytesOut        int                 `json:"bytes_out"`
	CreatedAt       int64               `json:"created_at"`
	RequestHeaders  map[string][]string `json:"request_headers,omitempty"`
	RequestBody     string              `json:"request_body,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    string              `json:"response_body,omitempty"`
}

type summaryJSON struct {
	Connected     bool    `json:"connected"`
	TotalRequests int     `json:"total_requests"`
	TotalErrors   int     `json:"total_errors"`
	AvgLatency    float64 `json:"avg_latency"`
	TotalBytesIn  int     `json:"total_bytes_in"`
	TotalBytesOut int     `json:"total_bytes_out"`
}

// Server serves the stats API and a tiny status page, bound to loopback
// only so a machine on the same network cannot see request bodies.
type Server struct {
	store    *Store
	listener net.Listener
	http     *http.Server
}

// StartServer starts the local stats HTTP server on the given port.
func StartServer(store *Store, port int) (*Server, error) {
	mux := http.NewServeMux()
	s := &Server{store: store}

	mux.HandleFunc("/api/stats/tunnel", s.handleTunnel)
	mux.HandleFunc("/api/stats/requests", s.handleRequests)
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(dashboardHTML))
	})

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.http = &http.Server{Handler: corsMiddleware(mux)}

	go func() {
		_ = s.http.Serve(ln)
	}()

	return s, nil
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close shuts down the dashboard listener. Safe to call once per Server.
func (s *Server) Close() {
	_ = s.http.Close()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	ts := s.store.Snapshot()
	if ts == nil {
		writeJSON(w, map[string]any{"tunnel": nil})
		return
	}
	avg := float64(0)
	if ts.TotalRequests > 0 {
		avg = float64(ts.TotalLatency.Milliseconds()) / float64(ts.TotalRequests)
	}
	minLat := float64(0)
	if ts.MinLatency < time.Duration(1<<63-1) {
		minLat = float64(ts.MinLatency.Milliseconds())
	}
	writeJSON(w, map[string]any{"tunnel": tunnelJSON{
		Subdomain:     ts.Subdomain,
		Port:          ts.Port,
		TotalRequests: ts.TotalRequests,
		ErrorCount:    ts.ErrorCount,
		AvgLatency:    avg,
		MaxLatency:    float64(ts.MaxLatency.Milliseconds()),
		MinLatency:    minLat,
		TotalBytesIn:  ts.TotalBytesIn,
		TotalBytesOut: ts.TotalBytesOut,
		ConnectedAt:   ts.ConnectedAt.Unix(),
	}})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	entries := s.store.RecentLogs(limit)
	reqs := make([]requestJSON, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		reqs = append(reqs, requestJSON{
			ID:              e.ID,
			StreamID:        e.StreamID,
			Method:          e.Method,
			Path:            e.Path,
			Status:          e.Status,
			LatencyMs:       float64(e.Latency.Milliseconds()),
			BytesIn:         e.BytesIn,
			BytesOut:        e.BytesOut,
			CreatedAt:       e.Timestamp.Unix(),
			RequestHeaders:  e.RequestHeaders,
			RequestBody:     e.RequestBody,
			ResponseHeaders: e.ResponseHeaders,
			ResponseBody:    e.ResponseBody,
		})
	}
	writeJSON(w, map[string]any{"requests": reqs})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ts := s.store.Snapshot()
	var sum summaryJSON
	if ts != nil {
		sum.Connected = true
		sum.TotalRequests = ts.TotalRequests
		sum.TotalErrors = ts.ErrorCount
		sum.TotalBytesIn = ts.TotalBytesIn
		sum.TotalBytesOut = ts.TotalBytesOut
		if ts.TotalRequests > 0 {
			sum.AvgLatency = float64(ts.TotalLatency.Milliseconds()) / float64(ts.TotalRequests)
		}
	}
	writeJSON(w, map[string]any{"summary": sum})
}
