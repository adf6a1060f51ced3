// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"github.com/eqlabs/bullshark-bft/types"
)

// State is the mutable running view of the commit rule: last committed
// round, the per-origin committed high-water mark used for causal
// reachability and GC, the sub-DAG counter, and the schedule epoch.
//
// All fields are intentionally exported for persistence/recovery, but
// every mutation that matters for determinism goes through Engine's
// unexported helpers (advanceCommit, recomputeGCRound) so the
// monotonicity invariants hold regardless of who calls in.
type State struct {
	LastCommittedRound   types.Round
	LastCommittedPerOrigin map[types.AuthorityID]types.Round
	SubDagIndex          uint64
	ScheduleEpoch        uint64
	GCDepth              uint64
	GCRound              types.Round
}

// NewState returns the initial state for a fresh engine.
func NewState(gcDepth uint64) *State {
	return &State{
		LastCommittedPerOrigin: make(map[types.AuthorityID]types.Round),
		GCDepth:                gcDepth,
	}
}

// clone returns a deep copy, used by the engine to hand Persist a
// snapshot of the already-advanced state that does not alias the
// engine's live map.
func (s *State) clone() *State {
	out := &State{
		LastCommittedRound:     s.LastCommittedRound,
		LastCommittedPerOrigin: make(map[types.AuthorityID]types.Round, len(s.LastCommittedPerOrigin)),
		SubDagIndex:            s.SubDagIndex,
		ScheduleEpoch:          s.ScheduleEpoch,
		GCDepth:                s.GCDepth,
		GCRound:                s.GCRound,
	}
	for k, v := range s.LastCommittedPerOrigin {
		out.LastCommittedPerOrigin[k] = v
	}
	return out
}

// recomputeGCRound sets GCRound = max(0, LastCommittedRound - GCDepth).
// GCRound never decreases even if this computation would momentarily
// give a smaller value (it can't, since LastCommittedRound is itself
// monotone, but the guard documents the invariant explicitly).
func (s *State) recomputeGCRound() {
	var next types.Round
	if uint64(s.LastCommittedRound) > s.GCDepth {
		next = types.Round(uint64(s.LastCommittedRound) - s.GCDepth)
	}
	if next > s.GCRound {
		s.GCRound = next
	}
}
