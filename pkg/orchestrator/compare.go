package orchestrator

import (
	"context"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
)

type CompareRequest struct {
	TurnID    conversation.TurnID `json:"turnId"`
	Providers []string            `json:"providers"`
}

// Compare asks more providers to answer an existing user turn. Each reply opens the
// provider's own branch; no user turn is written. The reply keeps its prompt reachable
// through its parent link, so the turn path shows both even off the trunk.
func (o *Orchestrator) Compare(ctx context.Context, req CompareRequest, sink events.EventSink) (*Run, error) {
	if req.TurnID.IsNull() {
		return nil, &conversation.ValidationError{Field: "turnId", Reason: "turn id is required"}
	}
	providerIDs, err := o.validateProviders(req.Providers)
	if err != nil {
		return nil, err
	}

	userTurn, err := o.store.GetTurn(ctx, req.TurnID)
	if err != nil {
		return nil, err
	}
	if userTurn.Role != conversation.RoleUser {
		return nil, &conversation.ValidationError{Field: "turnId", Reason: "only user turns can be compared"}
	}
	turns, err := o.store.ListTurns(ctx, userTurn.ConversationID)
	if err != nil {
		return nil, err
	}

	// a trunk prompt reads the provider's own branch, any other prompt its ancestry
	assignments := make([]assignment, 0, len(providerIDs))
	for _, p := range providerIDs {
		a := assignment{provider: p, branchID: p}
		if userTurn.IsRootUserTurn() {
			a.contextBranch = p
		}
		assignments = append(assignments, a)
	}
	return o.start(ctx, RunKindCompare, userTurn, true, assignments, conversation.NewForest(turns), sink), nil
}
