package conversation

// DefaultContextWindow is the number of resolved turns handed to a provider.
const DefaultContextWindow = 10

// ResolveBranch projects the path named by branchID out of all turns of a conversation.
func ResolveBranch(turns []*Turn, branchID string) Turns {
	return NewForest(turns).Resolve(branchID)
}

// Resolve returns the ordered turns making up a branch.
//
// The trunk holds every root user turn and at most one reply to each: the reply whose
// branch equals its own model if there is one, otherwise the first reply. Any other
// branch holds the root user turns, every turn on that branch, and the replies of that
// model to root user turns, so that switching branches keeps the shared history.
func (f *Forest) Resolve(branchID string) Turns {
	if branchID == "" || branchID == RootBranch {
		return f.resolveTrunk()
	}

	var ret Turns
	for _, t := range f.ordered {
		switch {
		case t.IsRootUserTurn():
			ret = append(ret, t)
		case t.BranchID == branchID:
			ret = append(ret, t)
		case t.Role == RoleAssistant && t.Model == branchID && f.answersRootUserTurn(t):
			ret = append(ret, t)
		}
	}
	return ret
}

func (f *Forest) resolveTrunk() Turns {
	var ret Turns
	for _, t := range f.ordered {
		if !t.IsRootUserTurn() {
			continue
		}
		ret = append(ret, t)
		if reply := f.CanonicalReply(t.ID); reply != nil {
			ret = append(ret, reply)
		}
	}
	SortTurns(ret)
	return ret
}

// CanonicalReply picks the one reply shown on the trunk for a user turn.
func (f *Forest) CanonicalReply(userTurnID TurnID) *Turn {
	var first *Turn
	for _, c := range f.children[userTurnID] {
		if c.Role != RoleAssistant {
			continue
		}
		if c.BranchID == c.Model {
			return c
		}
		if first == nil {
			first = c
		}
	}
	return first
}

func (f *Forest) answersRootUserTurn(t *Turn) bool {
	parent, ok := f.nodes[t.ParentTurnID]
	return ok && parent.IsRootUserTurn()
}

// ContextWindow keeps the last n turns. A non-positive n keeps everything.
func ContextWindow(turns Turns, n int) Turns {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

// HistoryBefore returns the sealed turns of a resolved branch that precede anchor.
// Open turns of streams still in flight never become context.
func HistoryBefore(resolved Turns, anchor *Turn) Turns {
	var ret Turns
	for _, t := range resolved {
		if t.ID == anchor.ID || !t.Sealed {
			continue
		}
		if turnLess(t, anchor) {
			ret = append(ret, t)
		}
	}
	return ret
}
