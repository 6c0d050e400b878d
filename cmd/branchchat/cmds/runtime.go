package cmds

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/dedup"
	"github.com/go-go-golems/branchchat/pkg/orchestrator"
	"github.com/go-go-golems/branchchat/pkg/providers"
	"github.com/go-go-golems/branchchat/pkg/store"
)

// Runtime holds the long lived dependencies built from the settings.
type Runtime struct {
	Settings *config.Settings
	Store    store.Store
	Registry *providers.Registry
	Deduper  dedup.Deduper
}

// settingsFlags maps command line flags to the settings keys they override.
var settingsFlags = map[string]string{
	"addr":             "server.addr",
	"storage-driver":   "storage.driver",
	"storage-dsn":      "storage.dsn",
	"dedup-driver":     "dedup.driver",
	"context-window":   "orchestrator.context-window",
	"provider-timeout": "orchestrator.provider-timeout",
}

func addStorageFlags(fs *pflag.FlagSet) {
	fs.String("storage-driver", config.StorageMemory, "Turn store (memory, sqlite, postgres)")
	fs.String("storage-dsn", "", "sqlite file or postgres connection string")
}

func addOrchestratorFlags(fs *pflag.FlagSet) {
	fs.String("dedup-driver", config.DedupMemory, "User turn de-duplication (memory, redis)")
	fs.Int("context-window", conversation.DefaultContextWindow, "Number of branch turns sent to a provider")
	fs.Duration("provider-timeout", 0, "Time a provider may take for a reply (default from settings)")
}

// LoadSettings decodes the settings, letting the flags set on cmd override single keys.
// Flags left at their default never shadow the config file or the environment.
func LoadSettings(cmd *cobra.Command) (*config.Settings, error) {
	var err error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key, ok := settingsFlags[f.Name]
		if !ok || err != nil {
			return
		}
		err = viper.BindPFlag(key, f)
	})
	if err != nil {
		return nil, err
	}
	return config.Load(viper.GetViper())
}

func NewRuntime(ctx context.Context, s *config.Settings) (*Runtime, error) {
	registry, err := providers.NewRegistryFromSettings(s)
	if err != nil {
		return nil, errors.Wrap(err, "could not build providers")
	}
	st, err := store.Open(s.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "could not open store")
	}
	d, err := dedup.Open(ctx, s.Dedup)
	if err != nil {
		_ = st.Close()
		return nil, errors.Wrap(err, "could not open deduper")
	}
	return &Runtime{
		Settings: s,
		Store:    st,
		Registry: registry,
		Deduper:  d,
	}, nil
}

func (r *Runtime) Orchestrator(options ...orchestrator.Option) *orchestrator.Orchestrator {
	options = append([]orchestrator.Option{
		orchestrator.WithSettings(r.Settings),
		orchestrator.WithDeduper(r.Deduper),
	}, options...)
	return orchestrator.New(r.Store, r.Registry, options...)
}

func (r *Runtime) Close() error {
	var ret error
	if err := r.Deduper.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close deduper")
		ret = err
	}
	if err := r.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close store")
		ret = err
	}
	return ret
}
