package store

import (
	"context"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// Store is the durable, append-mostly repository of conversations and their turns.
//
// Turns are never deleted one by one: DeleteTurns and DeleteConversation purge a whole
// conversation. Every operation against a missing conversation fails with a
// *conversation.NotFoundError.
type Store interface {
	CreateConversation(ctx context.Context, c *conversation.Conversation) (*conversation.Conversation, error)
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context) ([]*conversation.Conversation, error)
	// DeleteConversation removes the conversation together with all its turns.
	DeleteConversation(ctx context.Context, id string) error

	// AppendTurn stores a turn, assigning id, timestamp and sequence when absent. The
	// first user turn of a conversation with no title yet derives the title.
	AppendTurn(ctx context.Context, t *conversation.Turn) (*conversation.Turn, error)
	GetTurn(ctx context.Context, id conversation.TurnID) (*conversation.Turn, error)
	// ListTurns returns all turns of a conversation ordered by timestamp and sequence.
	ListTurns(ctx context.Context, conversationID string) (conversation.Turns, error)
	// UpdateTurnContent replaces the content of an open turn and optionally seals it.
	UpdateTurnContent(ctx context.Context, id conversation.TurnID, content string, seal bool) error
	DeleteTurns(ctx context.Context, conversationID string) error
	// FindUserTurn returns the most recent user turn with exactly this branch and content
	// created at or after since, or nil.
	FindUserTurn(ctx context.Context, conversationID, branchID, content string, since time.Time) (*conversation.Turn, error)

	Close() error
}

// prepareTurn fills in the fields a store assigns on append and validates the result.
func prepareTurn(t *conversation.Turn, now time.Time) (*conversation.Turn, error) {
	if t == nil {
		return nil, &conversation.ValidationError{Field: "turn", Reason: "turn is nil"}
	}
	clone := t.Clone()
	if clone.ID.IsNull() {
		clone.ID = conversation.NewTurnID()
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = now
	}
	if clone.BranchID == "" && clone.Role == conversation.RoleUser {
		clone.BranchID = conversation.RootBranch
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return clone, nil
}
