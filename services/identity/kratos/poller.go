package kratosidp

import (
	"context"
	"time"

	"github.com/tekpounou/platform/core/auth"
)

// Poller is the event source of a Gateway. Kratos has no push channel for native clients, so the
// tracked session is re-checked every interval and a SignedOut event is emitted once it is gone.
type Poller struct {
	gw       *Gateway
	interval time.Duration
	now      func() time.Time
}

var _ auth.EventSource = (*Poller)(nil)

func NewPoller(gw *Gateway, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{gw: gw, interval: interval, now: time.Now}
}

func (p *Poller) Events(ctx context.Context) <-chan auth.Event {
	out := make(chan auth.Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ev, ok := p.check(ctx)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// check reports a SignedOut event when the tracked session stopped validating.
func (p *Poller) check(ctx context.Context) (auth.Event, bool) {
	sess := p.gw.tracked()
	if sess == nil {
		return auth.Event{}, false
	}
	live, err := p.gw.CurrentSession(ctx, sess)
	if err != nil {
		// unreachable backend says nothing about the session
		return auth.Event{}, false
	}
	if live != nil {
		return auth.Event{}, false
	}
	return auth.Event{Type: auth.EventSignedOut, Session: sess, At: p.now().UTC()}, true
}
