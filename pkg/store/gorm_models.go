package store

import (
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

type ConversationModel struct {
	ID        string    `gorm:"primaryKey;size:64;column:id"`
	Title     string    `gorm:"size:256;not null;default:'';column:title"`
	CreatedAt time.Time `gorm:"not null;index:idx_conversations_created_at;column:created_at"`
}

func (ConversationModel) TableName() string {
	return "branchchat_conversations"
}

func (m *ConversationModel) ToDomain() *conversation.Conversation {
	return &conversation.Conversation{
		ID:        m.ID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
	}
}

func ToConversationModel(c *conversation.Conversation) *ConversationModel {
	return &ConversationModel{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.UTC().Truncate(time.Microsecond),
	}
}

type TurnModel struct {
	Seq            int64     `gorm:"primaryKey;autoIncrement;column:seq"`
	TurnID         string    `gorm:"uniqueIndex:idx_turns_turn_id;size:36;not null;column:turn_id"`
	ConversationID string    `gorm:"index:idx_turns_conversation;size:64;not null;column:conversation_id"`
	ParentTurnID   *string   `gorm:"size:36;column:parent_turn_id"`
	BranchID       string    `gorm:"size:128;not null;column:branch_id"`
	Role           string    `gorm:"size:20;not null;column:role"`
	Model          *string   `gorm:"size:128;column:model"`
	Content        string    `gorm:"type:text;not null;column:content"`
	Sealed         bool      `gorm:"not null;default:false;column:sealed"`
	CreatedAt      time.Time `gorm:"index:idx_turns_conversation;not null;column:created_at"`
}

func (TurnModel) TableName() string {
	return "branchchat_turns"
}

func (m *TurnModel) ToDomain() (*conversation.Turn, error) {
	id, err := conversation.ParseTurnID(m.TurnID)
	if err != nil {
		return nil, err
	}
	ret := &conversation.Turn{
		ID:             id,
		ConversationID: m.ConversationID,
		BranchID:       m.BranchID,
		Role:           conversation.Role(m.Role),
		Content:        m.Content,
		Timestamp:      m.CreatedAt,
		Seq:            m.Seq,
		Sealed:         m.Sealed,
	}
	if m.ParentTurnID != nil {
		parent, err := conversation.ParseTurnID(*m.ParentTurnID)
		if err != nil {
			return nil, err
		}
		ret.ParentTurnID = parent
	}
	if m.Model != nil {
		ret.Model = *m.Model
	}
	return ret, nil
}

func ToTurnModel(t *conversation.Turn) *TurnModel {
	ret := &TurnModel{
		Seq:            t.Seq,
		TurnID:         t.ID.String(),
		ConversationID: t.ConversationID,
		BranchID:       t.BranchID,
		Role:           string(t.Role),
		Content:        t.Content,
		Sealed:         t.Sealed,
		CreatedAt:      t.Timestamp.UTC().Truncate(time.Microsecond),
	}
	if !t.ParentTurnID.IsNull() {
		parent := t.ParentTurnID.String()
		ret.ParentTurnID = &parent
	}
	if t.Model != "" {
		model := t.Model
		ret.Model = &model
	}
	return ret
}

func turnModelsToDomain(models []*TurnModel) (conversation.Turns, error) {
	ret := make(conversation.Turns, 0, len(models))
	for _, m := range models {
		t, err := m.ToDomain()
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	return ret, nil
}
