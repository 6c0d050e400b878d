package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/branchchat/pkg/helpers"
)

// DefaultTopic carries the events of every run.
const DefaultTopic = "branchchat.events"

// EventRouter is the in-process bus that mirrors run events to observers.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	pubsub     *gochannel.GoChannel
	topic      string
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		if verbose {
			r.logger = helpers.NewWatermill(log.Logger)
		}
	}
}

func WithTopic(topic string) EventRouterOption {
	return func(r *EventRouter) {
		r.topic = topic
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
		topic:  DefaultTopic,
	}

	for _, o := range options {
		o(ret)
	}

	// blocking until ack keeps the chunks of one turn ordered for every subscriber
	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.pubsub = goPubSub
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

func (e *EventRouter) Topic() string {
	return e.topic
}

// Sink returns an EventSink publishing to the router's topic.
func (e *EventRouter) Sink() *WatermillSink {
	return NewWatermillSink(e.Publisher, e.topic)
}

// AddHandler registers a consumer of the event topic. Handlers must be added before Run.
func (e *EventRouter) AddHandler(name string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, e.topic, e.Subscriber, f)
}

// Subscribe opens an ad-hoc subscription that ends when ctx is done.
func (e *EventRouter) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return e.Subscriber.Subscribe(ctx, e.topic)
}

// Run blocks until ctx is cancelled or the router is closed.
func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("Closing publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}
	log.Debug().Msg("Closing router")
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	return nil
}

// LogEvent is a handler that logs every event at debug level.
func LogEvent(msg *message.Message) error {
	defer msg.Ack()
	e, err := NewEventFromJSON(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("Could not decode event")
		return nil
	}
	l := log.Debug().
		Str("event_type", string(e.Type())).
		Object("meta", e.Metadata())
	if id := TurnIDOf(e); !id.IsNull() {
		l = l.Str("turn_id", id.String())
	}
	l.Msg("Event")
	return nil
}
