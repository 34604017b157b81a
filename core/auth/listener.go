package auth

import (
	"context"
	"fmt"

	"github.com/tekpounou/platform/core"
)

// Listener keeps the store in sync with session changes that happen outside of it: another device
// signing out, a session expiring server side, an admin revoking access.
type Listener struct {
	store    *Store
	source   EventSource
	logger   core.Logger
	recorder Recorder
}

func NewListener(store *Store, source EventSource, logger core.Logger) *Listener {
	return &Listener{store: store, source: source, logger: logger, recorder: store.recorder}
}

// Run handles events until ctx is done or the source closes. Events are handled one at a time in
// arrival order.
func (l *Listener) Run(ctx context.Context) error {
	events := l.source.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.handle(ctx, ev)
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventSignedIn:
		if ev.Session == nil || ev.Session.UserID == "" {
			l.logger.Warn("signed in event without session")
			l.recorder.ObserveEvent(ev.Type, false)
			return
		}
		applied, err := l.store.applySignedIn(ctx, ev.Session)
		if err != nil {
			l.logger.Error(fmt.Sprintf("reconciling signed in event for %s", ev.Session.UserID), err)
		}
		l.recorder.ObserveEvent(ev.Type, applied)

	case EventSignedOut:
		l.store.applySignedOut()
		l.recorder.ObserveEvent(ev.Type, true)

	default:
		l.logger.Debug(fmt.Sprintf("ignoring %s event", ev.Type))
		l.recorder.ObserveEvent(ev.Type, false)
	}
}
