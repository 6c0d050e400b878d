package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/dedup"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/helpers"
)

type FanOutRequest struct {
	ConversationID string `json:"conversationId"`
	// BranchID is the branch the prompt continues. Empty means the trunk.
	BranchID string `json:"branchId,omitempty"`
	// ParentTurnID overrides the parent derived from the branch.
	ParentTurnID *conversation.TurnID `json:"parentTurnId,omitempty"`
	Prompt       string               `json:"prompt"`
	Providers    []string             `json:"providers"`
	// IdempotencyKey replaces the prompt text when matching duplicate submissions.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// FanOut records the prompt as a user turn and streams one reply per provider into sink.
//
// Validation and lookup failures are returned before anything is written or published.
// The returned run is already streaming; its Done channel closes after the done event.
func (o *Orchestrator) FanOut(ctx context.Context, req FanOutRequest, sink events.EventSink) (*Run, error) {
	if req.ConversationID == "" {
		return nil, &conversation.ValidationError{Field: "conversationId", Reason: "conversation id is required"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &conversation.ValidationError{Field: "prompt", Reason: "prompt must not be empty"}
	}
	branchID := req.BranchID
	if branchID == "" {
		branchID = conversation.RootBranch
	}
	if err := conversation.ValidateBranchID(branchID); err != nil {
		return nil, err
	}
	providerIDs, err := o.validateProviders(req.Providers)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.GetConversation(ctx, req.ConversationID); err != nil {
		return nil, err
	}
	turns, err := o.store.ListTurns(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	forest := conversation.NewForest(turns)

	parentID := conversation.NullTurnID
	if req.ParentTurnID != nil && !req.ParentTurnID.IsNull() {
		if _, ok := forest.Get(*req.ParentTurnID); !ok {
			return nil, conversation.TurnNotFound(*req.ParentTurnID)
		}
		parentID = *req.ParentTurnID
	} else if resolved := forest.Resolve(branchID); len(resolved) > 0 {
		parentID = resolved[len(resolved)-1].ID
	}

	userTurn, reused, err := o.userTurn(ctx, req, branchID, parentID)
	if err != nil {
		return nil, err
	}

	assignments := make([]assignment, 0, len(providerIDs))
	for _, p := range providerIDs {
		replyBranch := assistantBranch(branchID, p)
		assignments = append(assignments, assignment{
			provider:      p,
			branchID:      replyBranch,
			contextBranch: replyBranch,
		})
	}
	return o.start(ctx, RunKindFanOut, userTurn, reused, assignments, forest, sink), nil
}

// assistantBranch names the branch a reply is written to. A fan-out from the trunk
// opens one branch per provider. Every reply continuing a branch stays on it, next to
// the prompt it answers.
func assistantBranch(requested, provider string) string {
	if requested == "" || requested == conversation.RootBranch {
		return provider
	}
	return requested
}

// userTurn returns the user turn for a submission, reusing the one written by an
// identical submission within the dedup window.
func (o *Orchestrator) userTurn(
	ctx context.Context,
	req FanOutRequest,
	branchID string,
	parentID conversation.TurnID,
) (*conversation.Turn, bool, error) {
	logger := helpers.LoggerFromContext(ctx).With().
		Str("conversation_id", req.ConversationID).
		Str("branch_id", branchID).
		Logger()
	now := o.now()

	if req.IdempotencyKey == "" && o.dedupWindow > 0 {
		existing, err := o.store.FindUserTurn(ctx, req.ConversationID, branchID, req.Prompt, now.Add(-o.dedupWindow))
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			logger.Debug().Str("user_turn_id", existing.ID.String()).Msg("reusing recent user turn")
			return existing, true, nil
		}
	}

	candidate := conversation.NewTurnID()
	if o.dedupWindow > 0 {
		key := dedup.Key(req.ConversationID, branchID, req.Prompt, req.IdempotencyKey)
		owner, won, err := o.deduper.Claim(ctx, key, candidate, o.dedupWindow)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("dedup claim failed, creating user turn")
		case !won:
			if t := o.waitForTurn(ctx, owner); t != nil {
				logger.Debug().Str("user_turn_id", t.ID.String()).Msg("reusing concurrent user turn")
				return t, true, nil
			}
			logger.Warn().Str("owner_turn_id", owner.String()).Msg("concurrent user turn did not appear in time, creating own")
		}
	}

	t := conversation.NewUserTurn(req.ConversationID, req.Prompt,
		conversation.WithTurnID(candidate),
		conversation.WithBranch(branchID),
		conversation.WithParent(parentID),
		conversation.WithTimestamp(now),
	)
	t, err := o.store.AppendTurn(ctx, t)
	if err != nil {
		return nil, false, err
	}
	return t, false, nil
}

// waitForTurn polls the store for a turn another request promised to write. It gives
// up after the dedup wait so that a slow sibling never blocks this request for long.
func (o *Orchestrator) waitForTurn(ctx context.Context, id conversation.TurnID) *conversation.Turn {
	waitCtx, cancel := context.WithTimeout(ctx, o.dedupWait)
	defer cancel()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		t, err := o.store.GetTurn(ctx, id)
		if err == nil {
			return t
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			logger := helpers.LoggerFromContext(ctx)
			logger.Warn().Err(err).Msg("could not look up concurrent user turn")
		}
		select {
		case <-waitCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
