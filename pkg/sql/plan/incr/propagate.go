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

	"github.com/matrixorigin/incstate/pkg/common/moerr"
)

// assignContext is what a parent hands down to one child while the
// decision is propagated.
type assignContext struct {
	memory int
	pull   PullAction
}

func (ac assignContext) withMemory(memory int) assignContext {
	return assignContext{memory: memory, pull: ac.pull}
}

func (ac assignContext) withPull(pull PullAction) assignContext {
	return assignContext{memory: ac.memory, pull: pull}
}

// Assign walks the table top-down from root, which is granted memory and
// asked for pull, and fixes the retention state and pull actions of every
// node below it.
func Assign(ctx context.Context, tb *Table, root NodeID, memory int, pull PullAction) (*Decision, error) {
	t := tb.tree
	if !t.valid(root) {
		return nil, moerr.NewInvalidInputf(ctx, "invalid root %d", root)
	}
	if memory < 0 || memory > tb.budget {
		return nil, moerr.NewInvalidInputf(ctx, "root memory %d outside table budget %d", memory, tb.budget)
	}
	d := NewDecision(t.Len())
	assignNode(tb, d, root, assignContext{memory: memory, pull: pull})
	d.Cost = tb.Cost(root, pull, memory)
	return d, nil
}

func assignNode(tb *Table, d *Decision, id NodeID, ac assignContext) {
	n := tb.tree.Node(id)
	nd := &d.Nodes[id]
	nd.Received = ac.pull
	nd.Memory = ac.memory

	e := tb.entry(id, regimeOf(ac.pull), ac.memory)
	nd.State = e.State
	for s := 0; s < n.Kind.NumSides(); s++ {
		side := Side(s)
		pull := e.Pull[side]
		if pull == PullBatchAndDelta && ac.pull == PullBatch {
			pull = PullBatch
		}
		nd.Pull[side] = pull
		assignNode(tb, d, n.Child(side), ac.withMemory(e.Share[side]).withPull(pull))
	}
}

// GeneratePulls recomputes, top-down from the root, the action every node
// asks of its children given the current retention states and update marks.
func GeneratePulls(t *Tree, d *Decision, rootPull PullAction) {
	var walk func(id NodeID, pull PullAction)
	walk = func(id NodeID, pull PullAction) {
		n := t.Node(id)
		nd := &d.Nodes[id]
		nd.Received = pull
		nd.Pull = childPulls(n, nd.State, pull)
		for s := 0; s < n.Kind.NumSides(); s++ {
			walk(n.Child(Side(s)), nd.Pull[s])
		}
	}
	walk(t.Root(), rootPull)
}

// childPulls is the pull rule shared by every planner in this package.
//
// A full request rebuilds dropped sides from a full pull and only feeds the
// delta into kept ones. A delta request pulls each updated side's delta; a
// join must additionally rebuild a dropped side whenever the opposite side
// changed, since there is no state to join that change against.
func childPulls(n *Node, state [2]IncrementalState, parent PullAction) (pulls [2]PullAction) {
	sides := n.Kind.NumSides()
	if parent == PullNothing {
		return
	}
	for i := 0; i < sides; i++ {
		s := Side(i)
		kept := state[s].Kept()
		switch {
		case parent.IsFull():
			if !kept {
				pulls[s] = parent
			} else if n.Updated(s) {
				pulls[s] = PullDelta
			}
		case sides == 2 && n.Updated(s.Other()) && !kept:
			pulls[s] = PullBatchAndDelta
		case n.Updated(s):
			pulls[s] = PullDelta
		}
	}
	return
}
