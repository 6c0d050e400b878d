package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RootBranch is the reserved branch id of the trunk.
const RootBranch = "root"

type TurnID uuid.UUID

// NullTurnID marks the absence of a parent turn.
var NullTurnID TurnID = TurnID(uuid.Nil)

func NewTurnID() TurnID {
	return TurnID(uuid.New())
}

func ParseTurnID(s string) (TurnID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NullTurnID, &ValidationError{Field: "turnId", Reason: "not a valid turn id: " + s}
	}
	return TurnID(id), nil
}

func (id TurnID) String() string {
	return uuid.UUID(id).String()
}

func (id TurnID) IsNull() bool {
	return id == NullTurnID
}

func (id TurnID) MarshalJSON() ([]byte, error) {
	if id.IsNull() {
		return []byte("null"), nil
	}
	return json.Marshal(uuid.UUID(id))
}

func (id *TurnID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = NullTurnID
		return nil
	}
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = TurnID(u)
	return nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one message of a conversation forest.
//
// ParentTurnID is a plain lookup key into the conversation's turns, never an
// owning reference. Seq is assigned by the store on append and orders turns
// sharing a timestamp.
type Turn struct {
	ID             TurnID    `json:"id"`
	ConversationID string    `json:"conversationId"`
	ParentTurnID   TurnID    `json:"parentTurnId"`
	BranchID       string    `json:"branchId"`
	Role           Role      `json:"role"`
	Model          string    `json:"model,omitempty"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Seq            int64     `json:"seq"`
	// Sealed turns no longer accept content updates.
	Sealed bool `json:"sealed"`
}

type TurnOption func(*Turn)

func WithTurnID(id TurnID) TurnOption {
	return func(t *Turn) {
		t.ID = id
	}
}

func WithParent(parentID TurnID) TurnOption {
	return func(t *Turn) {
		t.ParentTurnID = parentID
	}
}

func WithBranch(branchID string) TurnOption {
	return func(t *Turn) {
		t.BranchID = branchID
	}
}

func WithModel(model string) TurnOption {
	return func(t *Turn) {
		t.Model = model
	}
}

func WithTimestamp(ts time.Time) TurnOption {
	return func(t *Turn) {
		t.Timestamp = ts
	}
}

func WithContent(content string) TurnOption {
	return func(t *Turn) {
		t.Content = content
	}
}

// NewUserTurn creates a sealed user turn on the trunk unless a branch option overrides it.
func NewUserTurn(conversationID string, content string, options ...TurnOption) *Turn {
	ret := &Turn{
		ConversationID: conversationID,
		BranchID:       RootBranch,
		Role:           RoleUser,
		Content:        content,
		Sealed:         true,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// NewAssistantTurn creates an open, empty assistant turn answering parentID.
// The branch defaults to the model id.
func NewAssistantTurn(conversationID string, parentID TurnID, model string, options ...TurnOption) *Turn {
	ret := &Turn{
		ConversationID: conversationID,
		ParentTurnID:   parentID,
		BranchID:       model,
		Role:           RoleAssistant,
		Model:          model,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (t *Turn) IsRootUserTurn() bool {
	return t.Role == RoleUser && t.BranchID == RootBranch
}

// Validate checks the structural invariants every stored turn must satisfy.
func (t *Turn) Validate() error {
	if t == nil {
		return &ValidationError{Field: "turn", Reason: "turn is nil"}
	}
	if strings.TrimSpace(t.ConversationID) == "" {
		return &ValidationError{Field: "conversationId", Reason: "must not be empty"}
	}
	if !t.Role.Valid() {
		return &ValidationError{Field: "role", Reason: "unknown role " + string(t.Role)}
	}
	if err := ValidateBranchID(t.BranchID); err != nil {
		return err
	}
	if t.Role == RoleAssistant {
		if t.ParentTurnID.IsNull() {
			return &ValidationError{Field: "parentTurnId", Reason: "assistant turns must answer a user turn"}
		}
		if t.Model == "" {
			return &ValidationError{Field: "model", Reason: "assistant turns must name their model"}
		}
	}
	if t.Role == RoleUser && t.Model != "" {
		return &ValidationError{Field: "model", Reason: "user turns carry no model"}
	}
	return nil
}

type Turns []*Turn

// Contents returns the content of each turn, in order.
func (ts Turns) Contents() []string {
	ret := make([]string, 0, len(ts))
	for _, t := range ts {
		ret = append(ret, t.Content)
	}
	return ret
}

func (ts Turns) IDs() []TurnID {
	ret := make([]TurnID, 0, len(ts))
	for _, t := range ts {
		ret = append(ret, t.ID)
	}
	return ret
}
