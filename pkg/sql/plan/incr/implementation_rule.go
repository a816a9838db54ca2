// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
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

// Regime selects which of the two cost tables a pull action is served from.
type Regime uint8

const (
	// RegimeDelta: the parent only needs this round's changed rows.
	RegimeDelta Regime = iota
	// RegimeBatchDelta: the parent needs the complete output.
	RegimeBatchDelta

	regimeCount
)

func (r Regime) String() string {
	if r == RegimeDelta {
		return "delta"
	}
	return "batch-delta"
}

func regimeOf(p PullAction) Regime {
	if p.IsFull() {
		return RegimeBatchDelta
	}
	return RegimeDelta
}

type candidateKind uint8

const (
	candLeaf candidateKind = iota
	candIdle
	candDrop
	candKeepLeft
	candKeepRight
	candKeepBoth
)

var candidateNames = [...]string{
	candLeaf:      "leaf",
	candIdle:      "idle",
	candDrop:      "drop",
	candKeepLeft:  "keep-left",
	candKeepRight: "keep-right",
	candKeepBoth:  "keep-both",
}

func (c candidateKind) String() string {
	return candidateNames[c]
}

// candidate is one mutually exclusive retention strategy for a node in a
// regime. Its cost is extra plus the cost of serving pull from each child,
// where the children share whatever memory is left after reserve.
type candidate struct {
	kind    candidateKind
	keep    [2]bool
	pull    [2]PullAction
	extra   float64
	reserve int
}

func (c *candidate) states() (s [2]IncrementalState) {
	for _, side := range Sides {
		if c.keep[side] {
			s[side] = StateKeepMemory
		}
	}
	return
}

// keepsWithin reports whether every side kept by c is also kept by d.
func (c *candidate) keepsWithin(d [2]IncrementalState) bool {
	for _, side := range Sides {
		if c.keep[side] && !d[side].Kept() {
			return false
		}
	}
	return true
}

type ImplementationRule interface {
	// Match checks if the rule applies to the node in the current tree.
	Match(t *Tree, n *Node) bool
	// OnImplement lists the candidates of the node in regime. Candidates are
	// returned in tie-break order: the first of several equal-cost candidates
	// wins, so drop candidates come first.
	OnImplement(ctx context.Context, n *Node, regime Regime) ([]candidate, error)
}

var defaultImplementationMap = map[Kind][]ImplementationRule{
	KindScan:          {scanRule{}},
	KindHashJoin:      {joinRule{allowKeep: true}},
	KindNestLoop:      {symmetricNestLoopRule{}, joinRule{allowKeep: false}},
	KindMergeJoin:     {mergeJoinRule{}},
	KindHashAggregate: {unaryRule{alwaysCompute: true}},
	KindSortAggregate: {unaryRule{}},
	KindSort:          {unaryRule{}},
	KindMaterial:      {unaryRule{}},
}

type scanRule struct{}

func (scanRule) Match(_ *Tree, n *Node) bool {
	return n.Kind == KindScan
}

func (scanRule) OnImplement(_ context.Context, n *Node, regime Regime) ([]candidate, error) {
	c := candidate{kind: candLeaf}
	if n.Updated(Left) {
		c.extra = n.DeltaCost[Left]
	}
	if regime == RegimeBatchDelta {
		c.extra = n.ComputeCost + c.extra
	}
	return []candidate{c}, nil
}

// unaryRule covers Sort, SortAggregate, Material and HashAggregate. Only a
// hash aggregate pays its compute cost on a pure delta pass.
type unaryRule struct {
	alwaysCompute bool
}

func (unaryRule) Match(_ *Tree, n *Node) bool {
	return n.Kind.IsUnary()
}

func (r unaryRule) OnImplement(_ context.Context, n *Node, regime Regime) ([]candidate, error) {
	updated := n.Updated(Left)
	mem := n.MemoryCost[Left]
	if regime == RegimeDelta {
		if !updated {
			return []candidate{{kind: candIdle}}, nil
		}
		drop := candidate{kind: candDrop, pull: [2]PullAction{PullDelta}}
		if r.alwaysCompute {
			drop.extra = n.ComputeCost
		}
		keep := candidate{
			kind:    candKeepLeft,
			keep:    [2]bool{true, false},
			pull:    [2]PullAction{PullDelta},
			reserve: mem,
		}
		return []candidate{drop, keep}, nil
	}

	drop := candidate{
		kind:  candDrop,
		pull:  [2]PullAction{PullBatchAndDelta},
		extra: n.PrepareCost[Left] + n.ComputeCost,
	}
	keep := candidate{
		kind:    candKeepLeft,
		keep:    [2]bool{true, false},
		extra:   n.ComputeCost,
		reserve: mem,
	}
	if updated {
		keep.pull[Left] = PullDelta
	}
	return []candidate{drop, keep}, nil
}

// joinRule covers HashJoin, and NestLoop without symmetric retention, in
// which case only the drop candidates are produced.
type joinRule struct {
	allowKeep bool
}

func (joinRule) Match(_ *Tree, n *Node) bool {
	return n.Kind == KindHashJoin || n.Kind == KindNestLoop
}

func (r joinRule) OnImplement(_ context.Context, n *Node, regime Regime) ([]candidate, error) {
	uL, uR := n.Updated(Left), n.Updated(Right)
	mL, mR := n.MemoryCost[Left], n.MemoryCost[Right]
	pL, pR := n.PrepareCost[Left], n.PrepareCost[Right]
	compute := n.ComputeCost
	full := PullBatchAndDelta

	rebuild := candidate{
		kind:  candDrop,
		pull:  [2]PullAction{full, full},
		extra: pR + compute,
	}

	var cands []candidate
	if regime == RegimeDelta {
		switch {
		case !uL && !uR:
			return []candidate{{kind: candIdle}}, nil
		case uL && !uR:
			cands = append(cands,
				candidate{kind: candDrop, pull: [2]PullAction{PullDelta, full}, extra: pR},
				candidate{kind: candKeepRight, keep: [2]bool{false, true}, pull: [2]PullAction{PullDelta, PullNothing}, reserve: mR},
			)
		case !uL && uR:
			cands = append(cands,
				candidate{kind: candDrop, pull: [2]PullAction{full, PullDelta}, extra: pL},
				candidate{kind: candKeepLeft, keep: [2]bool{true, false}, pull: [2]PullAction{PullNothing, PullDelta}, reserve: mL},
			)
		default:
			cands = append(cands,
				rebuild,
				candidate{kind: candKeepLeft, keep: [2]bool{true, false}, pull: [2]PullAction{PullDelta, full}, extra: pR, reserve: mL},
				candidate{kind: candKeepRight, keep: [2]bool{false, true}, pull: [2]PullAction{full, PullDelta}, extra: pL, reserve: mR},
				candidate{kind: candKeepBoth, keep: [2]bool{true, true}, pull: [2]PullAction{PullDelta, PullDelta}, reserve: mL + mR},
			)
		}
	} else {
		// Keeping both sides is only ever considered on a delta pass.
		cands = append(cands, rebuild)
		switch {
		case !uL && uR:
			cands = append(cands,
				candidate{kind: candKeepLeft, keep: [2]bool{true, false}, pull: [2]PullAction{PullNothing, full}, extra: compute, reserve: mL})
		case uL && uR:
			cands = append(cands,
				candidate{kind: candKeepRight, keep: [2]bool{false, true}, pull: [2]PullAction{full, PullDelta}, extra: compute, reserve: mR})
		default:
			cands = append(cands,
				candidate{kind: candKeepRight, keep: [2]bool{false, true}, pull: [2]PullAction{full, PullNothing}, extra: compute, reserve: mR})
		}
	}

	if !r.allowKeep {
		cands = cands[:1]
	}
	return cands, nil
}

// symmetricNestLoopRule lets a nest loop keep its inputs like a hash join
// once the tree enables symmetric retention.
type symmetricNestLoopRule struct{}

func (symmetricNestLoopRule) Match(t *Tree, n *Node) bool {
	return n.Kind == KindNestLoop && t.SymmetricNestLoop
}

func (symmetricNestLoopRule) OnImplement(ctx context.Context, n *Node, regime Regime) ([]candidate, error) {
	return joinRule{allowKeep: true}.OnImplement(ctx, n, regime)
}

type mergeJoinRule struct{}

func (mergeJoinRule) Match(_ *Tree, n *Node) bool {
	return n.Kind == KindMergeJoin
}

func (mergeJoinRule) OnImplement(ctx context.Context, n *Node, _ Regime) ([]candidate, error) {
	return nil, moerr.NewNotSupportedf(ctx, "node %d (%s): merge join", n.ID, describe(n))
}

// feasible drops candidates that keep a side without a retainable state.
func feasible(n *Node, cands []candidate) []candidate {
	out := cands[:0]
	for _, c := range cands {
		ok := true
		for _, s := range Sides {
			if c.keep[s] && !n.StateExists[s] {
				ok = false
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}
