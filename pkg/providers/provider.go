// Package providers models every upstream model as a minimal generate/stream capability.
package providers

import (
	"context"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// Message is one entry of the history handed to a provider.
type Message struct {
	Role    conversation.Role `json:"role"`
	Content string            `json:"content"`
}

// ChunkFunc receives streamed text in emission order. Returning an error aborts the stream.
type ChunkFunc func(chunk string) error

// Capability is an opaque upstream model.
//
// Stream blocks until the generation is terminal and returns nil on success. Errors are
// returned rather than reported through a callback. When ctx is cancelled, Stream must
// return promptly with ctx.Err() or an error wrapping it.
type Capability interface {
	ID() string
	// RequiresCredential reports whether HasCredential must hold before a call.
	RequiresCredential() bool
	Generate(ctx context.Context, prompt string, history []Message) (string, error)
	Stream(ctx context.Context, prompt string, history []Message, onChunk ChunkFunc) error
}

// HistoryFromTurns converts resolved turns to provider messages, skipping empty ones.
func HistoryFromTurns(turns conversation.Turns) []Message {
	ret := make([]Message, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		ret = append(ret, Message{Role: t.Role, Content: t.Content})
	}
	return ret
}
