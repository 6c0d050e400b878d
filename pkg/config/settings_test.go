package config

import (
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  addr: ":9090"
storage:
  driver: sqlite
  dsn: /tmp/branchchat.db
dedup:
  window: 3s
orchestrator:
  context-window: 6
providers:
  - id: gpt-4o-mini
    type: openai
    model: gpt-4o-mini
    api-key-env: OPENAI_API_KEY
    timeout: 30s
  - id: llama3
    type: ollama
    model: llama3
    context-window: 4
credentials:
  gpt-4o-mini: sk-test
`

func TestLoadFromViperAppliesDefaults(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(sampleConfig)))

	s, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":9090", s.Server.Addr)
	assert.Equal(t, StorageSQLite, s.Storage.Driver)
	assert.Equal(t, 3*time.Second, s.Dedup.Window)
	assert.Equal(t, 2*time.Second, s.Dedup.Wait)
	assert.Equal(t, DedupMemory, s.Dedup.Driver)
	assert.Equal(t, 6, s.Orchestrator.ContextWindow)
	assert.Equal(t, 2*time.Minute, s.Orchestrator.ProviderTimeout)
	require.Len(t, s.Providers, 2)
	assert.Equal(t, 30*time.Second, s.Providers[0].Timeout)
	assert.Equal(t, 4, s.Providers[1].ContextWindow)
	assert.Equal(t, "sk-test", s.Credentials["gpt-4o-mini"])
}

func TestFromYAMLRoundTrip(t *testing.T) {
	s, err := FromYAML([]byte(sampleConfig))
	require.NoError(t, err)

	data, err := s.ToYAML()
	require.NoError(t, err)
	again, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(s *Settings){
		"unknown storage":    func(s *Settings) { s.Storage.Driver = "mongo" },
		"sqlite without dsn": func(s *Settings) { s.Storage.Driver = StorageSQLite },
		"redis without addr": func(s *Settings) { s.Dedup.Driver = DedupRedis },
		"root provider": func(s *Settings) {
			s.Providers = append(s.Providers, ProviderSettings{ID: conversation.RootBranch, Type: ProviderTypeEcho})
		},
		"duplicate provider": func(s *Settings) {
			s.Providers = append(s.Providers, ProviderSettings{ID: "echo", Type: ProviderTypeEcho})
		},
		"openai without model": func(s *Settings) {
			s.Providers = append(s.Providers, ProviderSettings{ID: "gpt", Type: ProviderTypeOpenAI})
		},
		"unknown type": func(s *Settings) {
			s.Providers = append(s.Providers, ProviderSettings{ID: "x", Type: "bard"})
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewSettings()
			mutate(s)
			require.ErrorIs(t, s.Validate(), conversation.ErrValidation)
		})
	}
	require.NoError(t, NewSettings().Validate())
}

func TestCloneIsDeep(t *testing.T) {
	s := NewSettings()
	s.Credentials["echo"] = "secret"
	c := s.Clone()
	c.Credentials["echo"] = "changed"
	c.Providers[0].ID = "changed"
	assert.Equal(t, "secret", s.Credentials["echo"])
	assert.Equal(t, "echo", s.Providers[0].ID)
}
