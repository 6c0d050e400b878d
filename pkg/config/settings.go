// Package config holds the settings of the branchchat server and CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"

	DedupMemory = "memory"
	DedupRedis  = "redis"

	ProviderTypeOpenAI = "openai"
	ProviderTypeOllama = "ollama"
	ProviderTypeEcho   = "echo"
)

type ServerSettings struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type StorageSettings struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn,omitempty" mapstructure:"dsn"`
}

type DedupSettings struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Window is how long identical prompts share one user turn.
	Window time.Duration `yaml:"window" mapstructure:"window"`
	// Wait bounds how long a losing request waits for the winner's user turn.
	Wait          time.Duration `yaml:"wait" mapstructure:"wait"`
	RedisAddr     string        `yaml:"redis-addr,omitempty" mapstructure:"redis-addr"`
	RedisPassword string        `yaml:"redis-password,omitempty" mapstructure:"redis-password"`
	RedisDB       int           `yaml:"redis-db,omitempty" mapstructure:"redis-db"`
}

type OrchestratorSettings struct {
	ContextWindow   int           `yaml:"context-window" mapstructure:"context-window"`
	ProviderTimeout time.Duration `yaml:"provider-timeout" mapstructure:"provider-timeout"`
	PersistTimeout  time.Duration `yaml:"persist-timeout" mapstructure:"persist-timeout"`
}

type ProviderSettings struct {
	ID      string `yaml:"id" mapstructure:"id"`
	Type    string `yaml:"type" mapstructure:"type"`
	Model   string `yaml:"model,omitempty" mapstructure:"model"`
	BaseURL string `yaml:"base-url,omitempty" mapstructure:"base-url"`
	// AllowLocal lets BaseURL point at plain http or a local network address.
	AllowLocal bool   `yaml:"allow-local,omitempty" mapstructure:"allow-local"`
	APIKeyEnv  string `yaml:"api-key-env,omitempty" mapstructure:"api-key-env"`
	// ContextWindow and Timeout override the orchestrator defaults when set.
	ContextWindow int           `yaml:"context-window,omitempty" mapstructure:"context-window"`
	Timeout       time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	// ChunkDelay paces the echo provider.
	ChunkDelay time.Duration `yaml:"chunk-delay,omitempty" mapstructure:"chunk-delay"`
}

type Settings struct {
	Server       ServerSettings       `yaml:"server" mapstructure:"server"`
	Storage      StorageSettings      `yaml:"storage" mapstructure:"storage"`
	Dedup        DedupSettings        `yaml:"dedup" mapstructure:"dedup"`
	Orchestrator OrchestratorSettings `yaml:"orchestrator" mapstructure:"orchestrator"`
	Providers    []ProviderSettings   `yaml:"providers" mapstructure:"providers"`
	// Credentials maps provider ids to API keys.
	Credentials map[string]string `yaml:"credentials,omitempty" mapstructure:"credentials"`
}

func NewSettings() *Settings {
	return &Settings{
		Server: ServerSettings{Addr: ":8080"},
		Storage: StorageSettings{
			Driver: StorageMemory,
		},
		Dedup: DedupSettings{
			Driver: DedupMemory,
			Window: 5 * time.Second,
			Wait:   2 * time.Second,
		},
		Orchestrator: OrchestratorSettings{
			ContextWindow:   conversation.DefaultContextWindow,
			ProviderTimeout: 2 * time.Minute,
			PersistTimeout:  10 * time.Second,
		},
		Providers: []ProviderSettings{
			{ID: "echo", Type: ProviderTypeEcho, ChunkDelay: 20 * time.Millisecond},
		},
		Credentials: map[string]string{},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// SetDefaults registers the default values with v so that env variables and flags can
// override single keys.
func SetDefaults(v *viper.Viper) {
	d := NewSettings()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("dedup.driver", d.Dedup.Driver)
	v.SetDefault("dedup.window", d.Dedup.Window)
	v.SetDefault("dedup.wait", d.Dedup.Wait)
	v.SetDefault("dedup.redis-addr", "")
	v.SetDefault("dedup.redis-password", "")
	v.SetDefault("dedup.redis-db", 0)
	v.SetDefault("orchestrator.context-window", d.Orchestrator.ContextWindow)
	v.SetDefault("orchestrator.provider-timeout", d.Orchestrator.ProviderTimeout)
	v.SetDefault("orchestrator.persist-timeout", d.Orchestrator.PersistTimeout)
}

// Load decodes the settings held by v on top of the defaults.
func Load(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)
	ret := NewSettings()
	if v.IsSet("providers") {
		// decoding into a non-empty slice would merge into the default entries
		ret.Providers = nil
	}
	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if ret.Credentials == nil {
		ret.Credentials = map[string]string{}
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}

func FromYAML(data []byte) (*Settings, error) {
	ret := NewSettings()
	if err := yaml.Unmarshal(data, ret); err != nil {
		return nil, errors.Wrap(err, "could not parse settings")
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Settings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

func (s *Settings) Validate() error {
	switch s.Storage.Driver {
	case StorageMemory:
	case StorageSQLite, StoragePostgres:
		if strings.TrimSpace(s.Storage.DSN) == "" {
			return &conversation.ValidationError{Field: "storage.dsn", Reason: "required for driver " + s.Storage.Driver}
		}
	default:
		return &conversation.ValidationError{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", s.Storage.Driver)}
	}

	switch s.Dedup.Driver {
	case DedupMemory:
	case DedupRedis:
		if s.Dedup.RedisAddr == "" {
			return &conversation.ValidationError{Field: "dedup.redis-addr", Reason: "required for driver redis"}
		}
	default:
		return &conversation.ValidationError{Field: "dedup.driver", Reason: fmt.Sprintf("unknown driver %q", s.Dedup.Driver)}
	}
	if s.Dedup.Window < 0 || s.Dedup.Wait < 0 {
		return &conversation.ValidationError{Field: "dedup", Reason: "durations must not be negative"}
	}
	if s.Orchestrator.ContextWindow < 0 {
		return &conversation.ValidationError{Field: "orchestrator.context-window", Reason: "must not be negative"}
	}

	seen := map[string]bool{}
	for _, p := range s.Providers {
		if err := conversation.ValidateProviderID(p.ID); err != nil {
			return err
		}
		if seen[p.ID] {
			return &conversation.ValidationError{Field: "providers", Reason: fmt.Sprintf("duplicate provider %q", p.ID)}
		}
		seen[p.ID] = true
		switch p.Type {
		case ProviderTypeOpenAI, ProviderTypeOllama:
			if p.Model == "" {
				return &conversation.ValidationError{Field: "providers." + p.ID + ".model", Reason: "required"}
			}
		case ProviderTypeEcho:
		default:
			return &conversation.ValidationError{Field: "providers." + p.ID + ".type", Reason: fmt.Sprintf("unknown provider type %q", p.Type)}
		}
		if p.ContextWindow < 0 || p.Timeout < 0 {
			return &conversation.ValidationError{Field: "providers." + p.ID, Reason: "overrides must not be negative"}
		}
	}
	return nil
}
