package dedup

import (
	"context"
	"fmt"

	"github.com/go-go-golems/branchchat/pkg/config"
)

// Open builds the deduper selected by the dedup settings.
func Open(ctx context.Context, s config.DedupSettings) (Deduper, error) {
	switch s.Driver {
	case config.DedupMemory, "":
		return NewMemoryDeduper(), nil
	case config.DedupRedis:
		return DialRedis(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB)
	default:
		return nil, fmt.Errorf("unknown dedup driver %q", s.Driver)
	}
}
