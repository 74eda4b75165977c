package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnl-fit/agent/internal/backoff"
)

// reconnector is the small interface the facade satisfies so the
// reconnection supervisor can drive reconnect attempts without holding a
// direct reference back to the owning *Session — breaking the cycle noted
// in the design notes ("dispatcher calls back into a facade-provided
// connect()"). dial performs a full Connecting -> Awaiting-Ack -> Established
// handshake and only returns once one of those succeeds or fails.
type reconnector interface {
	dial(ctx context.Context) error
}

// reconnectSupervisor drives the Disconnected -> Reconnecting loop
// until dial succeeds or the retry ceiling is reached.
type reconnectSupervisor struct {
	st      *sessionState
	log     zerolog.Logger
	onFatal func(error)
}

// run blocks until reconnection succeeds, the ceiling is reached, ctx is
// canceled, or shouldReconnect flips false (via Disconnect). The very first
// wait uses backoff.Delay(0), which is both the "schedule reconnect in 5s"
// side effect of the initial channel-close transition and, not
// coincidentally, the i=0 term of the same backoff formula.
func (r *reconnectSupervisor) run(ctx context.Context, rc reconnector) {
	if !r.st.ShouldReconnect() {
		return
	}
	r.st.set(StateDisconnected)

	wait := backoff.Delay(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if !r.st.ShouldReconnect() {
			return
		}

		r.st.set(StateReconnecting)
		if err := rc.dial(ctx); err == nil {
			return
		}

		failed := r.st.retryAndAdvance()
		attempts := failed + 1
		if backoff.Exhausted(attempts) {
			r.st.set(StateTerminated)
			err := &ExhaustedRetries{Attempts: attempts}
			r.log.Error().Int("attempts", attempts).Msg("reconnect attempts exhausted, giving up")
			if r.onFatal != nil {
				r.onFatal(err)
			}
			return
		}

		r.st.set(StateDisconnected)
		wait = backoff.Delay(failed)
	}
}
