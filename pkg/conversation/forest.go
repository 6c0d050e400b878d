package conversation

import (
	"sort"
	"time"
)

// Forest is an arena of the turns of one conversation, indexed by id.
//
// Turns reference their parent by id only. A forest is built from a snapshot of the
// store and is never mutated afterwards, so it can be shared between goroutines.
type Forest struct {
	nodes    map[TurnID]*Turn
	children map[TurnID][]*Turn
	ordered  Turns
}

// NewForest indexes the given turns. The input slice is not modified.
func NewForest(turns []*Turn) *Forest {
	ret := &Forest{
		nodes:    make(map[TurnID]*Turn, len(turns)),
		children: make(map[TurnID][]*Turn),
		ordered:  make(Turns, 0, len(turns)),
	}
	for _, t := range turns {
		if t == nil {
			continue
		}
		ret.nodes[t.ID] = t
		ret.ordered = append(ret.ordered, t)
	}
	SortTurns(ret.ordered)
	for _, t := range ret.ordered {
		if !t.ParentTurnID.IsNull() {
			ret.children[t.ParentTurnID] = append(ret.children[t.ParentTurnID], t)
		}
	}
	return ret
}

// SortTurns orders turns by timestamp, then insertion sequence, then id, so that
// identical input always yields the identical order.
func SortTurns(turns []*Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turnLess(turns[i], turns[j])
	})
}

func turnLess(a, b *Turn) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID.String() < b.ID.String()
}

func (f *Forest) Len() int {
	return len(f.ordered)
}

// Turns returns every turn in resolution order.
func (f *Forest) Turns() Turns {
	ret := make(Turns, len(f.ordered))
	copy(ret, f.ordered)
	return ret
}

func (f *Forest) Get(id TurnID) (*Turn, bool) {
	ret, ok := f.nodes[id]
	return ret, ok
}

// Children returns the turns whose parent is id, in resolution order.
func (f *Forest) Children(id TurnID) Turns {
	ret := make(Turns, len(f.children[id]))
	copy(ret, f.children[id])
	return ret
}

// Siblings returns the other turns answering the same parent.
func (f *Forest) Siblings(id TurnID) Turns {
	node, ok := f.nodes[id]
	if !ok || node.ParentTurnID.IsNull() {
		return nil
	}
	var ret Turns
	for _, c := range f.children[node.ParentTurnID] {
		if c.ID != id {
			ret = append(ret, c)
		}
	}
	return ret
}

// PathTo walks parent links from id up to the first turn without a known parent and
// returns the chain oldest first.
func (f *Forest) PathTo(id TurnID) Turns {
	var path Turns
	seen := map[TurnID]bool{}
	for !id.IsNull() && !seen[id] {
		node, ok := f.nodes[id]
		if !ok {
			break
		}
		seen[id] = true
		path = append(path, node)
		id = node.ParentTurnID
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// BranchInfo summarizes one derived branch.
type BranchInfo struct {
	ID           string    `json:"id"`
	TurnCount    int       `json:"turnCount"`
	Models       []string  `json:"models,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// Branches lists the branch ids present in the forest, trunk first.
func (f *Forest) Branches() []BranchInfo {
	byID := map[string]*BranchInfo{
		RootBranch: {ID: RootBranch},
	}
	models := map[string]map[string]bool{}
	for _, t := range f.ordered {
		info, ok := byID[t.BranchID]
		if !ok {
			info = &BranchInfo{ID: t.BranchID}
			byID[t.BranchID] = info
		}
		info.TurnCount++
		if t.Timestamp.After(info.LastActivity) {
			info.LastActivity = t.Timestamp
		}
		if t.Model != "" {
			if models[t.BranchID] == nil {
				models[t.BranchID] = map[string]bool{}
			}
			if !models[t.BranchID][t.Model] {
				models[t.BranchID][t.Model] = true
				info.Models = append(info.Models, t.Model)
			}
		}
	}

	ret := make([]BranchInfo, 0, len(byID))
	for _, info := range byID {
		ret = append(ret, *info)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].ID == RootBranch || ret[j].ID == RootBranch {
			return ret[i].ID == RootBranch
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}
