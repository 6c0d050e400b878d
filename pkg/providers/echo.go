package providers

import (
	"context"
	"strings"
	"time"
)

// EchoProvider streams the prompt back word by word. It needs no network and no
// credential, which makes it the default provider of a fresh install.
type EchoProvider struct {
	id         string
	chunkDelay time.Duration
}

var _ Capability = (*EchoProvider)(nil)

type EchoOption func(*EchoProvider)

func WithChunkDelay(d time.Duration) EchoOption {
	return func(p *EchoProvider) {
		p.chunkDelay = d
	}
}

func NewEchoProvider(id string, options ...EchoOption) *EchoProvider {
	ret := &EchoProvider{id: id}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (p *EchoProvider) ID() string { return p.id }

func (p *EchoProvider) RequiresCredential() bool { return false }

func (p *EchoProvider) Generate(ctx context.Context, prompt string, history []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return prompt, nil
}

func (p *EchoProvider) Stream(ctx context.Context, prompt string, history []Message, onChunk ChunkFunc) error {
	for _, chunk := range strings.SplitAfter(prompt, " ") {
		if chunk == "" {
			continue
		}
		if p.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.chunkDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}
