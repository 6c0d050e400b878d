package providers

import (
	"fmt"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/security"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// NewCapability builds the backend named by the provider settings.
func NewCapability(p config.ProviderSettings, credentials Credentials) (Capability, error) {
	switch p.Type {
	case config.ProviderTypeOpenAI:
		if p.BaseURL != "" {
			err := security.ValidateBaseURL(p.BaseURL, security.BaseURLOptions{AllowLocal: p.AllowLocal})
			if err != nil {
				return nil, NewError(p.ID, KindInvalidProvider, err)
			}
		}
		return NewOpenAIProvider(p.ID, p.Model, p.BaseURL, credentials), nil
	case config.ProviderTypeOllama:
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, errors.Wrap(err, "could not create ollama client")
		}
		return NewOllamaProvider(p.ID, p.Model, client), nil
	case config.ProviderTypeEcho:
		return NewEchoProvider(p.ID, WithChunkDelay(p.ChunkDelay)), nil
	default:
		return nil, NewError(p.ID, KindInvalidProvider, fmt.Errorf("unknown provider type %q", p.Type))
	}
}

// NewRegistryFromSettings registers every configured provider.
func NewRegistryFromSettings(s *config.Settings) (*Registry, error) {
	credentials := NewStaticCredentials(s.Credentials)
	for _, p := range s.Providers {
		if p.APIKeyEnv != "" {
			credentials.BindEnv(p.ID, p.APIKeyEnv)
		}
	}

	ret := NewRegistry(credentials)
	for _, p := range s.Providers {
		c, err := NewCapability(p, credentials)
		if err != nil {
			return nil, err
		}
		err = ret.Register(c,
			WithKind(p.Type),
			WithContextWindow(p.ContextWindow),
			WithTimeout(p.Timeout),
		)
		if err != nil {
			return nil, err
		}
		log.Debug().
			Str("provider", p.ID).
			Str("type", p.Type).
			Str("model", p.Model).
			Bool("has_credential", ret.HasCredential(p.ID)).
			Msg("Registered provider")
	}
	return ret, nil
}
