package providers

import (
	"context"
	"strings"

	"github.com/jmorganca/ollama/api"
)

// OllamaProvider streams from a local ollama server. The server address comes from
// OLLAMA_HOST, as with the ollama CLI.
type OllamaProvider struct {
	id     string
	model  string
	client *api.Client
}

var _ Capability = (*OllamaProvider)(nil)

func NewOllamaProvider(id, model string, client *api.Client) *OllamaProvider {
	return &OllamaProvider{id: id, model: model, client: client}
}

func (p *OllamaProvider) ID() string { return p.id }

func (p *OllamaProvider) RequiresCredential() bool { return false }

func (p *OllamaProvider) Generate(ctx context.Context, prompt string, history []Message) (string, error) {
	var sb strings.Builder
	err := p.chat(ctx, prompt, history, false, func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (p *OllamaProvider) Stream(ctx context.Context, prompt string, history []Message, onChunk ChunkFunc) error {
	return p.chat(ctx, prompt, history, true, onChunk)
}

func (p *OllamaProvider) chat(ctx context.Context, prompt string, history []Message, stream bool, onChunk ChunkFunc) error {
	messages := make([]api.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, api.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	req := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
	}
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Done {
			return nil
		}
		if resp.Message.Content == "" {
			return nil
		}
		return onChunk(resp.Message.Content)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Classify(p.id, err)
	}
	return nil
}
