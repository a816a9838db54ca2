// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package incr

import (
	"context"
	"fmt"

	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/mohae/deepcopy"
)

// IncrementalState tells the execution engine what to do with the state of
// one side of an operator between rounds.
type IncrementalState uint8

const (
	StateDrop IncrementalState = iota
	StateKeepMemory
	// StateKeepDisk and StateKeepMixed are reserved tiers. The planner never
	// produces them and rejects decisions that carry them.
	StateKeepDisk
	StateKeepMixed
)

var stateNames = [...]string{
	StateDrop:       "drop",
	StateKeepMemory: "keep-memory",
	StateKeepDisk:   "keep-disk",
	StateKeepMixed:  "keep-mixed",
}

func (s IncrementalState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s IncrementalState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s IncrementalState) Kept() bool {
	return s == StateKeepMemory
}

func (s IncrementalState) supported() bool {
	return s == StateDrop || s == StateKeepMemory
}

// PullAction is the portion of a child's output a parent asks for.
type PullAction uint8

const (
	PullNothing PullAction = iota
	PullBatch
	PullDelta
	PullBatchAndDelta
)

var pullNames = [...]string{
	PullNothing:       "nothing",
	PullBatch:         "batch",
	PullDelta:         "delta",
	PullBatchAndDelta: "batch-delta",
}

func (p PullAction) String() string {
	if int(p) < len(pullNames) {
		return pullNames[p]
	}
	return fmt.Sprintf("pull(%d)", uint8(p))
}

func (p PullAction) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// IsFull reports whether the action asks for the complete output.
func (p PullAction) IsFull() bool {
	return p == PullBatch || p == PullBatchAndDelta
}

func ParsePullAction(s string) (PullAction, bool) {
	for i, name := range pullNames {
		if name == s {
			return PullAction(i), true
		}
	}
	return PullNothing, false
}

// NodeDecision is the externally consumed plan for one node.
type NodeDecision struct {
	// State per side; the right side of unary nodes and both sides of scans
	// are always StateDrop.
	State [2]IncrementalState `json:"state"`
	// Pull is the action requested from the child on each side.
	Pull [2]PullAction `json:"pull"`
	// Received is the action this node was asked for by its parent.
	Received PullAction `json:"received"`
	// Memory is the budget share the node and its subtree were granted.
	Memory int `json:"memory"`
}

// Decision holds one NodeDecision per node id of a Tree.
type Decision struct {
	Nodes []NodeDecision `json:"nodes"`
	Cost  float64        `json:"cost"`
}

func NewDecision(n int) *Decision {
	return &Decision{Nodes: make([]NodeDecision, n)}
}

func (d *Decision) Clone() *Decision {
	return deepcopy.Copy(d).(*Decision)
}

func (d *Decision) State(id NodeID, side Side) IncrementalState {
	return d.Nodes[id].State[side]
}

func (d *Decision) SetState(id NodeID, side Side, state IncrementalState) {
	d.Nodes[id].State[side] = state
}

func (d *Decision) Pull(id NodeID, side Side) PullAction {
	return d.Nodes[id].Pull[side]
}

// MemoryUsed sums the memory cost of every kept side.
func (d *Decision) MemoryUsed(t *Tree) int {
	used := 0
	for _, n := range t.Nodes() {
		for _, s := range Sides {
			if d.Nodes[n.ID].State[s].Kept() {
				used += n.MemoryCost[s]
			}
		}
	}
	return used
}

// SameStates reports whether both decisions keep exactly the same sides.
func (d *Decision) SameStates(o *Decision) bool {
	if len(d.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range d.Nodes {
		if d.Nodes[i].State != o.Nodes[i].State {
			return false
		}
	}
	return true
}

func (d *Decision) check(ctx context.Context, t *Tree) error {
	if len(d.Nodes) != t.Len() {
		return moerr.NewInvalidInputf(ctx, "decision covers %d nodes, tree has %d", len(d.Nodes), t.Len())
	}
	for _, n := range t.Nodes() {
		for _, s := range Sides {
			state := d.Nodes[n.ID].State[s]
			if !state.supported() {
				return moerr.NewNotSupportedf(ctx, "node %d (%s): retention state %s", n.ID, describe(n), state)
			}
			if state.Kept() && !n.StateExists[s] {
				return moerr.NewBadConfigf(ctx, "node %d (%s): %s side kept without a state", n.ID, describe(n), s)
			}
		}
	}
	return nil
}
