// Package dedup arbitrates which of several racing fan-out requests creates the shared
// user turn. Claims are best effort and expire after a short window; they are not a
// transactional exactly-once guarantee.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// DefaultWindow is how long identical prompts are folded onto one user turn.
const DefaultWindow = 5 * time.Second

// Deduper hands out claims on de-duplication keys.
type Deduper interface {
	// Claim registers candidate as the owner of key for ttl unless a live claim exists.
	// It returns the owner turn id and whether candidate won.
	Claim(ctx context.Context, key string, candidate conversation.TurnID, ttl time.Duration) (conversation.TurnID, bool, error)
	Close() error
}

// Key derives the claim key of a fan-out request. An explicit idempotency key replaces
// the prompt text so that clients needing exactly-once semantics can opt in.
func Key(conversationID, branchID, content, idempotencyKey string) string {
	h := sha256.New()
	h.Write([]byte(conversationID))
	h.Write([]byte{0})
	h.Write([]byte(branchID))
	h.Write([]byte{0})
	if idempotencyKey != "" {
		h.Write([]byte("idem:"))
		h.Write([]byte(idempotencyKey))
	} else {
		h.Write([]byte("text:"))
		h.Write([]byte(content))
	}
	return "branchchat:dedup:" + hex.EncodeToString(h.Sum(nil))
}
