// Package hooks lets optional local observers see dispatched requests and
// tunnel lifecycle transitions without altering forwarding behavior.
package hooks

import "github.com/tunnl-fit/agent/internal/forwarder"

// RequestHook observes each forwarded request/response pair.
// BeforeProxy/AfterProxy do not return a value to feed back into the
// forward call: hooks never authorize, rewrite, or block traffic.
type RequestHook interface {
	BeforeProxy(streamID string, req forwarder.Request)
	AfterProxy(streamID string, req forwarder.Request, resp forwarder.Response, latency int64)
}

// ConnectionHook observes tunnel lifecycle events.
type ConnectionHook interface {
	OnConnect(subdomain string, localPort int)
	OnDisconnect(subdomain string, err error)
	OnRequest(subdomain, streamID string)
}

// NoOpRequestHook is a convenience embed for hooks that only need one method.
type NoOpRequestHook struct{}

func (NoOpRequestHook) BeforeProxy(string, forwarder.Request)                          {}
func (NoOpRequestHook) AfterProxy(string, forwarder.Request, forwarder.Response, int64) {}

// NoOpConnectionHook is a convenience embed for hooks that only need one method.
type NoOpConnectionHook struct{}

func (NoOpConnectionHook) OnConnect(string, int)      {}
func (NoOpConnectionHook) OnDisconnect(string, error) {}
func (NoOpConnectionHook) OnRequest(string, string)   {}

// Plugin is a self-contained unit of optional functionality contributing
// hooks to the pipeline.
type Plugin interface {
	Name() string
	RequestHooks() []RequestHook
	ConnectionHooks() []ConnectionHook
}

// Pipeline fans dispatcher events out to every registered plugin's hooks.
// Zero-value is ready to use.
type Pipeline struct {
	plugins   []Plugin
	reqHooks  []RequestHook
	connHooks []ConnectionHook
}

// Register adds a plugin and collects its hooks into the pipeline.
func (p *Pipeline) Register(pl Plugin) {
	p.plugins = append(p.plugins, pl)
	p.reqHooks = append(p.reqHooks, pl.RequestHooks()...)
	p.connHooks = append(p.connHooks, pl.ConnectionHooks()...)
}

func (p *Pipeline) RunBeforeProxy(streamID string, req forwarder.Request) {
	for _, h := range p.reqHooks {
		h.BeforeProxy(streamID, req)
	}
}

func (p *Pipeline) RunAfterProxy(streamID string, req forwarder.Request, resp forwarder.Response, latency int64) {
	for _, h := range p.reqHooks {
		h.AfterProxy(streamID, req, resp, latency)
	}
}

func (p *Pipeline) NotifyConnect(subdomain string, localPort int) {
	for _, h := range p.connHooks {
		h.OnConnect(subdomain, localPort)
	}
}

func (p *Pipeline) NotifyDisconnect(subdomain string, err error) {
	for _, h := range p.connHooks {
		h.OnDisconnect(subdomain, err)
	}
}

func (p *Pipeline) NotifyRequest(subdomain, streamID string) {
	for _, h := range p.connHooks {
		h.OnRequest(subdomain, streamID)
	}
}
