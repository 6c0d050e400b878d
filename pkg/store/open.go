package store

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/branchchat/pkg/config"
)

// Open builds the store selected by the storage settings.
func Open(s config.StorageSettings) (Store, error) {
	log.Debug().Str("driver", s.Driver).Msg("Opening store")
	switch s.Driver {
	case config.StorageMemory, "":
		return NewInMemoryStore(), nil
	case config.StorageSQLite:
		dsn, err := SQLiteDSNForFile(s.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case config.StoragePostgres:
		return OpenPostgresStore(s.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", s.Driver)
	}
}
