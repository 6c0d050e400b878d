package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
)

// InMemoryStore is a thread-safe Store kept entirely in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	turns         map[conversation.TurnID]*conversation.Turn
	byConv        map[string][]conversation.TurnID
	seq           int64
	closed        bool
	now           func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

type InMemoryOption func(*InMemoryStore)

func WithInMemoryClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

func NewInMemoryStore(options ...InMemoryOption) *InMemoryStore {
	ret := &InMemoryStore{
		conversations: map[string]*conversation.Conversation{},
		turns:         map[conversation.TurnID]*conversation.Turn{},
		byConv:        map[string][]conversation.TurnID{},
		now:           time.Now,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (s *InMemoryStore) CreateConversation(_ context.Context, c *conversation.Conversation) (*conversation.Conversation, error) {
	if c == nil {
		c = &conversation.Conversation{}
	}
	clone := c.Clone()
	if clone.ID == "" {
		clone.ID = conversation.NewConversation("").ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.conversations[clone.ID]; ok {
		return nil, &conversation.ValidationError{Field: "id", Reason: "conversation " + clone.ID + " already exists"}
	}
	s.conversations[clone.ID] = clone
	return clone.Clone(), nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, conversation.ConversationNotFound(id)
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret := make([]*conversation.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		ret = append(ret, c.Clone())
	}
	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.After(ret[j].CreatedAt)
		}
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.deleteTurnsLocked(id); err != nil {
		return err
	}
	delete(s.conversations, id)
	return nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, t *conversation.Turn) (*conversation.Turn, error) {
	turn, err := prepareTurn(t, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	conv, ok := s.conversations[turn.ConversationID]
	if !ok {
		return nil, conversation.ConversationNotFound(turn.ConversationID)
	}
	if _, exists := s.turns[turn.ID]; exists {
		return nil, &conversation.ValidationError{Field: "id", Reason: "turn " + turn.ID.String() + " already exists"}
	}
	if !turn.ParentTurnID.IsNull() {
		parent, ok := s.turns[turn.ParentTurnID]
		if !ok || parent.ConversationID != turn.ConversationID {
			return nil, conversation.TurnNotFound(turn.ParentTurnID)
		}
	}

	if turn.Role == conversation.RoleUser && conv.HasDerivableTitle() && !s.hasUserTurnLocked(conv.ID) {
		conv.Title = conversation.DeriveTitle(turn.Content)
	}

	s.seq++
	turn.Seq = s.seq
	s.turns[turn.ID] = turn
	s.byConv[turn.ConversationID] = append(s.byConv[turn.ConversationID], turn.ID)
	return turn.Clone(), nil
}

func (s *InMemoryStore) GetTurn(_ context.Context, id conversation.TurnID) (*conversation.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	t, ok := s.turns[id]
	if !ok {
		return nil, conversation.TurnNotFound(id)
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, conversationID string) (conversation.Turns, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversation.ConversationNotFound(conversationID)
	}
	ids := s.byConv[conversationID]
	ret := make(conversation.Turns, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, s.turns[id].Clone())
	}
	conversation.SortTurns(ret)
	return ret, nil
}

func (s *InMemoryStore) UpdateTurnContent(_ context.Context, id conversation.TurnID, content string, seal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	t, ok := s.turns[id]
	if !ok {
		return conversation.TurnNotFound(id)
	}
	if t.Sealed {
		return &conversation.SealedError{TurnID: id}
	}
	t.Content = content
	t.Sealed = seal
	return nil
}

func (s *InMemoryStore) DeleteTurns(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.deleteTurnsLocked(conversationID)
}

func (s *InMemoryStore) FindUserTurn(_ context.Context, conversationID, branchID, content string, since time.Time) (*conversation.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversation.ConversationNotFound(conversationID)
	}
	var found *conversation.Turn
	for _, id := range s.byConv[conversationID] {
		t := s.turns[id]
		if t.Role != conversation.RoleUser || t.BranchID != branchID || t.Content != content {
			continue
		}
		if t.Timestamp.Before(since) {
			continue
		}
		if found == nil || t.Timestamp.After(found.Timestamp) || (t.Timestamp.Equal(found.Timestamp) && t.Seq > found.Seq) {
			found = t
		}
	}
	return found.Clone(), nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) deleteTurnsLocked(conversationID string) error {
	if _, ok := s.conversations[conversationID]; !ok {
		return conversation.ConversationNotFound(conversationID)
	}
	for _, id := range s.byConv[conversationID] {
		delete(s.turns, id)
	}
	delete(s.byConv, conversationID)
	return nil
}

func (s *InMemoryStore) hasUserTurnLocked(conversationID string) bool {
	for _, id := range s.byConv[conversationID] {
		if s.turns[id].Role == conversation.RoleUser {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) ensureOpen() error {
	if s.closed {
		return errors.New("in-memory store closed")
	}
	return nil
}
