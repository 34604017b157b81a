package redisrelay

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
)

const eventsBufSize = 64

type envelope struct {
	Origin string     `json:"origin"`
	Event  auth.Event `json:"event"`
}

// Relay shares identity backend events between processes over a Redis pub/sub channel. Every
// process forwards the events of its own backend and listens to the others.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  core.Logger
}

var _ auth.EventSource = (*Relay)(nil)

func New(client *redis.Client, channel string, logger core.Logger) *Relay {
	return &Relay{client: client, channel: channel, origin: uuid.New().String(), logger: logger}
}

// NewFromURL connects to redis://... URLs.
func NewFromURL(url, channel string, logger core.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis URL")
	}
	return New(redis.NewClient(opts), channel, logger), nil
}

func (r *Relay) Close() error {
	return r.client.Close()
}

func (r *Relay) Publish(ctx context.Context, ev auth.Event) error {
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}
	return errors.Wrap(r.client.Publish(ctx, r.channel, payload).Err(), "publishing event")
}

// Forward publishes every event of `source` until ctx is done or the source closes.
func (r *Relay) Forward(ctx context.Context, source auth.EventSource) error {
	for ev := range source.Events(ctx) {
		if err := r.Publish(ctx, ev); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Warn("relaying "+string(ev.Type)+" event", err)
		}
	}
	return ctx.Err()
}

// Events streams the events published by other relays on the channel. The subscription is
// confirmed before Events returns.
func (r *Relay) Events(ctx context.Context) <-chan auth.Event {
	out := make(chan auth.Event, eventsBufSize)
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		r.logger.Error("subscribing to "+r.channel, err)
		_ = sub.Close()
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			var msg *redis.Message
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				msg = m
			}

			ev, ok := r.decode(msg.Payload)
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

func (r *Relay) decode(payload string) (auth.Event, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("dropping undecodable event", err)
		return auth.Event{}, false
	}
	if env.Origin == r.origin || env.Event.Type == "" {
		return auth.Event{}, false
	}
	return env.Event, true
}
