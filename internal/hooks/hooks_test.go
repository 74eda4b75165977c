package hooks

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tunnl-fit/agent/internal/forwarder"
)

type recorder struct {
	NoOpRequestHook
	NoOpConnectionHook
	before, after, connects, disconnects, requests int
}

func (r *recorder) Name() string { return "recorder" }
func (r *recorder) RequestHooks() []RequestHook {
	return []RequestHook{r}
}
func (r *recorder) ConnectionHooks() []ConnectionHook {
	return []ConnectionHook{r}
}
func (r *recorder) BeforeProxy(string, forwarder.Request)                          { r.before++ }
func (r *recorder) AfterProxy(string, forwarder.Request, forwarder.Response, int64) { r.after++ }
func (r *recorder) OnConnect(string, int)                                          { r.connects++ }
func (r *recorder) OnDisconnect(string, error)                                     { r.disconnects++ }
func (r *recorder) OnRequest(string, string)                                       { r.requests++ }

func TestPipelineFansOutToAllRegisteredPlugins(t *testing.T) {
	var pl Pipeline
	r1, r2 := &recorder{}, &recorder{}
	pl.Register(r1)
	pl.Register(r2)

	pl.NotifyConnect("demo", 3000)
	pl.NotifyRequest("demo", "s1")
	pl.RunBeforeProxy("s1", forwarder.Request{})
	pl.RunAfterProxy("s1", forwarder.Request{}, forwarder.Response{}, 12)
	pl.NotifyDisconnect("demo", nil)

	for _, r := range []*recorder{r1, r2} {
		require.Equal(t, 1, r.connects)
		require.Equal(t, 1, r.requests)
		require.Equal(t, 1, r.before)
		require.Equal(t, 1, r.after)
		require.Equal(t, 1, r.disconnects)
	}
}
