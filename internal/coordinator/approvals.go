// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package coordinator

import (
	"sort"
	"time"
)

// approvalSet correlates tool-call IDs awaiting a human decision with the
// turn that raised them. An approval belongs to exactly one turn; stopping
// the turn clears the set. Not safe for concurrent use; the owning
// Session's mutex serialises access.
type approvalSet struct {
	pending map[string]PendingApproval
}

func newApprovalSet() *approvalSet {
	return &approvalSet{pending: make(map[string]PendingApproval)}
}

// register records a pending approval. Re-registering an existing
// toolCallID overwrites it; runners are expected to keep IDs unique
// within a turn.
func (a *approvalSet) register(toolCallID, toolName, turnID string) PendingApproval {
	p := PendingApproval{
		ToolCallID:  toolCallID,
		ToolName:    toolName,
		TurnID:      turnID,
		RequestedAt: time.Now().UTC(),
	}
	a.pending[toolCallID] = p
	return p
}

// resolve removes and returns the pending approval for toolCallID. The
// second result is false when the ID is unknown (duplicate or stale
// resolution).
func (a *approvalSet) resolve(toolCallID string) (PendingApproval, bool) {
	p, ok := a.pending[toolCallID]
	if ok {
		delete(a.pending, toolCallID)
	}
	return p, ok
}

// clear drops every pending approval and returns what was pending.
func (a *approvalSet) clear() []PendingApproval {
	out := a.list()
	a.pending = make(map[string]PendingApproval)
	return out
}

// list returns pending approvals ordered by request time.
func (a *approvalSet) list() []PendingApproval {
	out := make([]PendingApproval, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ToolCallID < out[j].ToolCallID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
