package events

import (
	"io"
	"net/http"
	"sync"

	"github.com/gin-contrib/sse"
	"github.com/rs/zerolog/log"
)

const HeaderRunID = "X-Run-Id"

// SSESink writes events as server-sent events. Writes are serialized so that frames of
// concurrent providers never interleave. Once closed, or after the first failed write,
// events are dropped and ErrSinkClosed is returned.
type SSESink struct {
	mu      sync.Mutex
	w       io.Writer
	closed  bool
	started bool
	// called once before the first frame
	prepare func(first Event)
}

func NewSSESink(w io.Writer) *SSESink {
	return &SSESink{w: w}
}

// NewResponseSSESink streams to an http response. Headers are only written with the
// first event, so the handler can still answer with a plain error before that.
func NewResponseSSESink(w http.ResponseWriter) *SSESink {
	return &SSESink{
		w: w,
		prepare: func(first Event) {
			WriteHeaders(w)
			if runID := first.Metadata().RunID; runID != "" {
				w.Header().Set(HeaderRunID, runID)
			}
			w.WriteHeader(http.StatusOK)
		},
	}
}

// WriteHeaders prepares an http response for streaming.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (s *SSESink) PublishEvent(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if !s.started {
		if s.prepare != nil {
			s.prepare(event)
		}
		s.started = true
	}

	err := sse.Encode(s.w, sse.Event{
		Event: string(event.Type()),
		Data:  event.WireData(),
	})
	if err != nil {
		log.Debug().Err(err).Str("event_type", string(event.Type())).Msg("client gone, closing sse sink")
		s.closed = true
		return ErrSinkClosed
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Close stops all further writes. It is safe to call more than once.
func (s *SSESink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *SSESink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Started reports whether a frame was written.
func (s *SSESink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

var _ EventSink = (*SSESink)(nil)
