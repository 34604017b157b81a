package auth

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

// Event is a session change pushed by an identity backend.
type Event struct {
	Type    EventType `json:"type"`
	Session *Session  `json:"session,omitempty"`
	At      time.Time `json:"at"`
}

// EventSource streams backend events until ctx is done, then closes the channel.
type EventSource interface {
	Events(ctx context.Context) <-chan Event
}

type mergedSource []EventSource

// MergeSources fans several event sources into one.
func MergeSources(sources ...EventSource) EventSource {
	return mergedSource(sources)
}

func (m mergedSource) Events(ctx context.Context) <-chan Event {
	out := make(chan Event)
	var wg sync.WaitGroup
	wg.Add(len(m))
	for _, src := range m {
		go func(events <-chan Event) {
			defer wg.Done()
			for ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(src.Events(ctx))
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
