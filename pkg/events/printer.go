package events

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// PrinterSink renders a run for a terminal. Chunks of concurrent providers are buffered
// per turn and each turn is printed as a block once it ends.
type PrinterSink struct {
	mu      sync.Mutex
	w       io.Writer
	buffers map[conversation.TurnID]*strings.Builder
}

func NewPrinterSink(w io.Writer) *PrinterSink {
	return &PrinterSink{
		w:       w,
		buffers: map[conversation.TurnID]*strings.Builder{},
	}
}

func (p *PrinterSink) PublishEvent(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := event.(type) {
	case *EventUserTurn:
		_, err := fmt.Fprintf(p.w, "user turn %s\n", e.Data.ID)
		return err

	case *EventTurnStart:
		p.buffers[e.Data.ID] = &strings.Builder{}

	case *EventChunk:
		b, ok := p.buffers[e.Data.ID]
		if !ok {
			b = &strings.Builder{}
			p.buffers[e.Data.ID] = b
		}
		b.WriteString(e.Data.Content)

	case *EventTurnEnd:
		text := ""
		if b, ok := p.buffers[e.Data.ID]; ok {
			text = b.String()
			delete(p.buffers, e.Data.ID)
		}
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		_, err := fmt.Fprintf(p.w, "\n%s:\n%s", e.Data.Model, text)
		return err

	case *EventError:
		if e.Data.ID != nil {
			delete(p.buffers, *e.Data.ID)
		}
		_, err := fmt.Fprintf(p.w, "\n%s: [%s] %s\n", e.Data.Model, e.Data.Kind, e.Data.Error)
		return err

	case *EventDone:
	}
	return nil
}

var _ EventSink = (*PrinterSink)(nil)
