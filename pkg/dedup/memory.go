package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

type claim struct {
	owner   conversation.TurnID
	expires time.Time
}

// MemoryDeduper keeps claims in process memory. It is enough for a single server.
type MemoryDeduper struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

var _ Deduper = (*MemoryDeduper)(nil)

type MemoryOption func(*MemoryDeduper)

func WithClock(now func() time.Time) MemoryOption {
	return func(d *MemoryDeduper) {
		d.now = now
	}
}

func NewMemoryDeduper(options ...MemoryOption) *MemoryDeduper {
	ret := &MemoryDeduper{
		claims: map[string]claim{},
		now:    time.Now,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (d *MemoryDeduper) Claim(_ context.Context, key string, candidate conversation.TurnID, ttl time.Duration) (conversation.TurnID, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evictLocked(now)
	if c, ok := d.claims[key]; ok {
		return c.owner, c.owner == candidate, nil
	}
	d.claims[key] = claim{owner: candidate, expires: now.Add(ttl)}
	return candidate, true, nil
}

func (d *MemoryDeduper) evictLocked(now time.Time) {
	for k, c := range d.claims {
		if !now.Before(c.expires) {
			delete(d.claims, k)
		}
	}
}

// Len reports the number of live claims.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked(d.now())
	return len(d.claims)
}

func (d *MemoryDeduper) Close() error {
	return nil
}
