package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventRouter owns a watermill router plus the publisher/subscriber pair that
// feeds it. Hub rooms publish inbound client frames here and per-room
// forwarders subscribe; with Redis enabled multiple hub nodes share the
// stream.
type EventRouter struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	router  *message.Router
	closers []func() error
}

// EventRouterOption customizes construction.
type EventRouterOption func(*EventRouter)

// WithPublisher overrides the default in-memory publisher.
func WithPublisher(pub message.Publisher) EventRouterOption {
	return func(r *EventRouter) { r.Publisher = pub }
}

// WithSubscriber overrides the default in-memory subscriber.
func WithSubscriber(sub message.Subscriber) EventRouterOption {
	return func(r *EventRouter) { r.Subscriber = sub }
}

// NewEventRouter builds a router backed by an in-memory gochannel pub/sub
// unless options swap in another transport.
func NewEventRouter(opts ...EventRouterOption) (*EventRouter, error) {
	logger := NewWatermillLogger(log.With().Str("component", "bus").Logger())

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}

	r := &EventRouter{router: router}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if r.Publisher == nil || r.Subscriber == nil {
		pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		if r.Publisher == nil {
			r.Publisher = pubsub
		}
		if r.Subscriber == nil {
			r.Subscriber = pubsub
		}
		r.closers = append(r.closers, pubsub.Close)
	}
	return r, nil
}

// AddHandler registers a no-publish handler on a topic using the default
// subscriber.
func (r *EventRouter) AddHandler(name, topic string, handler func(*message.Message) error) {
	if r == nil || r.router == nil {
		return
	}
	r.router.AddNoPublisherHandler(name, topic, r.Subscriber, handler)
}

// AddHandlerWithSubscriber registers a handler bound to a dedicated
// subscriber, used to isolate consumer groups on Redis.
func (r *EventRouter) AddHandlerWithSubscriber(name, topic string, sub message.Subscriber, handler func(*message.Message) error) {
	if r == nil || r.router == nil {
		return
	}
	r.router.AddNoPublisherHandler(name, topic, sub, handler)
}

// Run blocks until ctx is cancelled or the router fails.
func (r *EventRouter) Run(ctx context.Context) error {
	if r == nil || r.router == nil {
		return errors.New("event router is not initialized")
	}
	return r.router.Run(ctx)
}

// Running is closed once the router processes handlers; publishing before
// this point can drop messages on the in-memory transport.
func (r *EventRouter) Running() <-chan struct{} {
	if r == nil || r.router == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.router.Running()
}

// Close tears down the router and any owned pub/sub.
func (r *EventRouter) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.router != nil {
		if err := r.router.Close(); err != nil {
			firstErr = err
		}
	}
	for _, closeFn := range r.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
