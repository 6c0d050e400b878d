package providers

import (
	"context"
	"io"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI compatible chat completion endpoint.
type OpenAIProvider struct {
	id          string
	model       string
	baseURL     string
	credentials Credentials
}

var _ Capability = (*OpenAIProvider)(nil)

func NewOpenAIProvider(id, model, baseURL string, credentials Credentials) *OpenAIProvider {
	return &OpenAIProvider{
		id:          id,
		model:       model,
		baseURL:     baseURL,
		credentials: credentials,
	}
}

func (p *OpenAIProvider) ID() string { return p.id }

func (p *OpenAIProvider) RequiresCredential() bool { return true }

func (p *OpenAIProvider) makeClient() (*go_openai.Client, error) {
	apiKey, ok := p.credentials.Lookup(p.id)
	if !ok {
		return nil, NewError(p.id, KindCredentialMissing, ErrCredentialMissing)
	}
	config := go_openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		config.BaseURL = p.baseURL
	}
	return go_openai.NewClientWithConfig(config), nil
}

func (p *OpenAIProvider) makeRequest(prompt string, history []Message, stream bool) go_openai.ChatCompletionRequest {
	messages := make([]go_openai.ChatCompletionMessage, 0, len(history)+1)
	for _, m := range history {
		role := go_openai.ChatMessageRoleUser
		if m.Role == conversation.RoleAssistant {
			role = go_openai.ChatMessageRoleAssistant
		}
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}
	messages = append(messages, go_openai.ChatCompletionMessage{
		Role:    go_openai.ChatMessageRoleUser,
		Content: prompt,
	})
	return go_openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   stream,
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, history []Message) (string, error) {
	client, err := p.makeClient()
	if err != nil {
		return "", err
	}
	resp, err := client.CreateChatCompletion(ctx, p.makeRequest(prompt, history, false))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Classify(p.id, err)
	}
	if len(resp.Choices) == 0 {
		return "", NewError(p.id, KindUnknown, errors.New("empty completion"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, prompt string, history []Message, onChunk ChunkFunc) error {
	client, err := p.makeClient()
	if err != nil {
		return err
	}
	stream, err := client.CreateChatCompletionStream(ctx, p.makeRequest(prompt, history, true))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Classify(p.id, err)
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Classify(p.id, err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onChunk(delta); err != nil {
			return err
		}
	}
}
