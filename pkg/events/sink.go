package events

import (
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrSinkClosed = errors.New("event sink closed")

// EventSink is a destination for run events. Sinks are called from every provider
// session concurrently and must serialize internally.
type EventSink interface {
	PublishEvent(event Event) error
}

// NullSink discards all events.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)

// MultiSink fans one event out to several sinks. A failing sink does not stop the others;
// the first error is returned.
type MultiSink struct {
	sinks []EventSink
}

func NewMultiSink(sinks ...EventSink) *MultiSink {
	ret := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			ret.sinks = append(ret.sinks, s)
		}
	}
	return ret
}

func (m *MultiSink) PublishEvent(event Event) error {
	var first error
	for _, s := range m.sinks {
		if err := s.PublishEvent(event); err != nil {
			if !errors.Is(err, ErrSinkClosed) {
				log.Debug().Err(err).Str("event_type", string(event.Type())).Msg("sink failed to publish event")
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

var _ EventSink = (*MultiSink)(nil)

// CollectingSink records every event in publication order.
type CollectingSink struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewCollectingSink() *CollectingSink {
	return &CollectingSink{notify: make(chan struct{}, 1)}
}

func (c *CollectingSink) PublishEvent(event Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *CollectingSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]Event, len(c.events))
	copy(ret, c.events)
	return ret
}

func (c *CollectingSink) ByType(t EventType) []Event {
	var ret []Event
	for _, e := range c.Events() {
		if e.Type() == t {
			ret = append(ret, e)
		}
	}
	return ret
}

// Chunks returns the chunk contents relayed for one turn, in order.
func (c *CollectingSink) Chunks(id conversation.TurnID) []string {
	var ret []string
	for _, e := range c.ByType(EventTypeChunk) {
		if chunk := e.(*EventChunk); chunk.Data.ID == id {
			ret = append(ret, chunk.Data.Content)
		}
	}
	return ret
}

// Notify fires at least once after any number of new events.
func (c *CollectingSink) Notify() <-chan struct{} {
	return c.notify
}

var _ EventSink = (*CollectingSink)(nil)

// FuncSink adapts a function to an EventSink.
type FuncSink func(event Event) error

func (f FuncSink) PublishEvent(event Event) error {
	return f(event)
}
