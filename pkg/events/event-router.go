package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// EventRouter wires an in-process watermill pub/sub to handlers. Sinks
// obtained from Sink publish into it.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
		r.logger = NewWatermill(log.Logger)
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

// Sink returns an EventSink publishing into topic.
func (e *EventRouter) Sink(topic string) *WatermillSink {
	return NewWatermillSink(e.Publisher, topic)
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
	log.Debug().Msg("Router closed")

	return nil
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// DumpRawEvents returns a handler printing every event as indented JSON.
// Unless verbose, the metadata block is reduced to the event and message ids.
func (e *EventRouter) DumpRawEvents(w io.Writer) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()

		var s map[string]interface{}
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			return err
		}
		if !e.verbose {
			if meta, ok := s["meta"].(map[string]interface{}); ok {
				s["id"] = meta["event_id"]
				s["message_id"] = meta["message_id"]
			}
			delete(s, "meta")
		}
		s_, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(s_))
		return err
	}
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

func (e *EventRouter) RunHandlers(ctx context.Context) error {
	return e.router.RunHandlers(ctx)
}
