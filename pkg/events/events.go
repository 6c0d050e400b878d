// Package events defines the discriminated events streamed to clients while a fan-out
// runs, and the sinks that deliver them.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeUserTurn  EventType = "userTurn"
	EventTypeTurnStart EventType = "turnStart"
	EventTypeChunk     EventType = "chunk"
	EventTypeError     EventType = "error"
	EventTypeTurnEnd   EventType = "turnEnd"
	EventTypeDone      EventType = "done"
)

// Event is one message of a run's event stream.
//
// WireData is what goes to stream clients; the metadata only travels over the internal
// bus so that observers can route events.
type Event interface {
	Type() EventType
	Metadata() EventMetadata
	WireData() interface{}
	Payload() []byte
}

// EventMetadata correlates an event with its run and conversation.
type EventMetadata struct {
	RunID          string `json:"run_id" yaml:"run_id"`
	ConversationID string `json:"conversation_id" yaml:"conversation_id"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("run_id", em.RunID)
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON when the event was decoded by NewEventFromJSON
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

type UserTurnData struct {
	ID conversation.TurnID `json:"id"`
}

type EventUserTurn struct {
	EventImpl
	Data UserTurnData `json:"data"`
}

func NewUserTurnEvent(metadata EventMetadata, id conversation.TurnID) *EventUserTurn {
	return &EventUserTurn{
		EventImpl: EventImpl{Type_: EventTypeUserTurn, Metadata_: metadata},
		Data:      UserTurnData{ID: id},
	}
}

func (e *EventUserTurn) WireData() interface{} { return e.Data }

var _ Event = &EventUserTurn{}

type TurnStartData struct {
	ID           conversation.TurnID `json:"id"`
	Model        string              `json:"model"`
	ParentTurnID conversation.TurnID `json:"parentTurnId"`
}

type EventTurnStart struct {
	EventImpl
	Data TurnStartData `json:"data"`
}

func NewTurnStartEvent(metadata EventMetadata, id conversation.TurnID, model string, parentID conversation.TurnID) *EventTurnStart {
	return &EventTurnStart{
		EventImpl: EventImpl{Type_: EventTypeTurnStart, Metadata_: metadata},
		Data:      TurnStartData{ID: id, Model: model, ParentTurnID: parentID},
	}
}

func (e *EventTurnStart) WireData() interface{} { return e.Data }

var _ Event = &EventTurnStart{}

type ChunkData struct {
	ID      conversation.TurnID `json:"id"`
	Model   string              `json:"model"`
	Content string              `json:"content"`
}

type EventChunk struct {
	EventImpl
	Data ChunkData `json:"data"`
}

func NewChunkEvent(metadata EventMetadata, id conversation.TurnID, model string, content string) *EventChunk {
	return &EventChunk{
		EventImpl: EventImpl{Type_: EventTypeChunk, Metadata_: metadata},
		Data:      ChunkData{ID: id, Model: model, Content: content},
	}
}

func (e *EventChunk) WireData() interface{} { return e.Data }

var _ Event = &EventChunk{}

// ErrorData carries no id when the failure happened before the assistant turn existed.
type ErrorData struct {
	ID    *conversation.TurnID `json:"id,omitempty"`
	Model string               `json:"model"`
	Error string               `json:"error"`
	Kind  string               `json:"kind,omitempty"`
}

type EventError struct {
	EventImpl
	Data ErrorData `json:"data"`
}

func NewErrorEvent(metadata EventMetadata, id conversation.TurnID, model string, kind string, err error) *EventError {
	data := ErrorData{Model: model, Kind: kind}
	if err != nil {
		data.Error = err.Error()
	}
	if !id.IsNull() {
		data.ID = &id
	}
	return &EventError{
		EventImpl: EventImpl{Type_: EventTypeError, Metadata_: metadata},
		Data:      data,
	}
}

func (e *EventError) WireData() interface{} { return e.Data }

var _ Event = &EventError{}

type TurnEndData struct {
	ID    conversation.TurnID `json:"id"`
	Model string              `json:"model"`
}

type EventTurnEnd struct {
	EventImpl
	Data TurnEndData `json:"data"`
}

func NewTurnEndEvent(metadata EventMetadata, id conversation.TurnID, model string) *EventTurnEnd {
	return &EventTurnEnd{
		EventImpl: EventImpl{Type_: EventTypeTurnEnd, Metadata_: metadata},
		Data:      TurnEndData{ID: id, Model: model},
	}
}

func (e *EventTurnEnd) WireData() interface{} { return e.Data }

var _ Event = &EventTurnEnd{}

type DoneData struct{}

type EventDone struct {
	EventImpl
	Data DoneData `json:"data"`
}

func NewDoneEvent(metadata EventMetadata) *EventDone {
	return &EventDone{
		EventImpl: EventImpl{Type_: EventTypeDone, Metadata_: metadata},
	}
}

func (e *EventDone) WireData() interface{} { return e.Data }

var _ Event = &EventDone{}

// TurnIDOf returns the turn an event refers to, or the null id.
func TurnIDOf(e Event) conversation.TurnID {
	switch e_ := e.(type) {
	case *EventUserTurn:
		return e_.Data.ID
	case *EventTurnStart:
		return e_.Data.ID
	case *EventChunk:
		return e_.Data.ID
	case *EventError:
		if e_.Data.ID != nil {
			return *e_.Data.ID
		}
	case *EventTurnEnd:
		return e_.Data.ID
	}
	return conversation.NullTurnID
}

func ToTypedEvent[T any](b []byte) (*T, bool) {
	var ret *T
	err := json.Unmarshal(b, &ret)
	if err != nil || ret == nil {
		return nil, false
	}
	return ret, true
}

func decodeTyped[T any, P interface {
	*T
	Event
	SetPayload([]byte)
}](b []byte) (Event, error) {
	ret, ok := ToTypedEvent[T](b)
	if !ok {
		return nil, fmt.Errorf("could not decode %T event", ret)
	}
	p := P(ret)
	p.SetPayload(b)
	return p, nil
}

// NewEventFromJSON decodes an envelope produced by the watermill sink.
func NewEventFromJSON(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	switch hdr.Type {
	case EventTypeUserTurn:
		return decodeTyped[EventUserTurn](b)
	case EventTypeTurnStart:
		return decodeTyped[EventTurnStart](b)
	case EventTypeChunk:
		return decodeTyped[EventChunk](b)
	case EventTypeError:
		return decodeTyped[EventError](b)
	case EventTypeTurnEnd:
		return decodeTyped[EventTurnEnd](b)
	case EventTypeDone:
		return decodeTyped[EventDone](b)
	}
	return nil, fmt.Errorf("unknown event type %q", hdr.Type)
}
