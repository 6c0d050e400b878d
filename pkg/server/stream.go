package server

import (
	"encoding/json"
	"net/http"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/orchestrator"
)

// streamRun starts a run writing to the response as server-sent events. Errors
// returned by start are answered as JSON since no frame has been written yet.
//
// If the client goes away the run context is cancelled with the request, the
// sessions seal their partial turns, and nothing more is written to the response.
func (s *Server) streamRun(c *gin.Context, start func(sink events.EventSink) (*orchestrator.Run, error)) {
	sink := events.NewResponseSSESink(c.Writer)
	run, err := start(sink)
	if err != nil {
		writeError(c, err)
		return
	}

	select {
	case <-run.Done():
	case <-c.Request.Context().Done():
		sink.Close()
		log.Debug().Str("run_id", run.ID).Msg("client disconnected from run stream")
	}
}

// observe streams the events of all runs, optionally only those of one conversation.
// Messages are acked as soon as they are received so that a slow observer never holds
// up a run; when its buffer is full, events are dropped for that observer.
func (s *Server) observe(c *gin.Context) {
	if s.router == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "event stream not enabled"})
		return
	}
	conversationID := c.Query("conversation")
	ctx := c.Request.Context()

	messages, err := s.router.Subscribe(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	buffered := make(chan *message.Message, s.observerBuffer)
	go func() {
		defer close(buffered)
		for msg := range messages {
			msg.Ack()
			if conversationID != "" && msg.Metadata.Get(events.MetadataConversationKey) != conversationID {
				continue
			}
			select {
			case buffered <- msg:
			default:
				log.Warn().Str("message_id", msg.UUID).Msg("observer lagging, dropping event")
			}
		}
	}()

	events.WriteHeaders(c.Writer)
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-buffered:
			if !ok {
				return
			}
			e, err := events.NewEventFromJSON(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode event")
				continue
			}
			err = sse.Encode(c.Writer, sse.Event{
				Id:    msg.UUID,
				Event: string(e.Type()),
				Data:  json.RawMessage(msg.Payload),
			})
			if err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
