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
	"slices"

	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/samber/lo"
)

// maxBruteForceSlots bounds the exhaustive search to 2^20 assignments.
var maxBruteForceSlots = 20

// slot is one (node, side) pair that owns a retainable state.
type slot struct {
	id     NodeID
	side   Side
	memory int
}

// retainableSlots lists the slots of t in pre-order, left side first.
func retainableSlots(t *Tree) []slot {
	var all []slot
	for _, id := range t.PreOrder() {
		n := t.Node(id)
		for s := 0; s < n.Kind.NumSides(); s++ {
			all = append(all, slot{id: id, side: Side(s), memory: n.MemoryCost[s]})
		}
	}
	return lo.Filter(all, func(s slot, _ int) bool {
		return t.Node(s.id).StateExists[s.side]
	})
}

// BruteForce tries every assignment of drop/keep to the retainable slots that
// fits in budget and returns the cheapest one. It is meant as an oracle for
// small trees.
func (opt *Optimizer) BruteForce(ctx context.Context, t *Tree, budget int, rootPull PullAction) (*Decision, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	slots := lo.Filter(retainableSlots(t), func(s slot, _ int) bool {
		return s.memory <= budget
	})
	if len(slots) > maxBruteForceSlots {
		return nil, moerr.NewInvalidInputf(ctx, "brute force over %d slots exceeds the limit of %d", len(slots), maxBruteForceSlots)
	}

	d := NewDecision(t.Len())
	var best *Decision
	for mask := 0; mask < 1<<len(slots); mask++ {
		used := 0
		for i, s := range slots {
			state := StateDrop
			if mask&(1<<i) != 0 {
				state = StateKeepMemory
				used += s.memory
			}
			d.SetState(s.id, s.side, state)
		}
		if used > budget {
			continue
		}
		cost, err := opt.Evaluate(ctx, t, d, rootPull)
		if err != nil {
			return nil, err
		}
		if best == nil || cost < best.Cost {
			d.Cost = cost
			best = d.Clone()
		}
	}
	GeneratePulls(t, best, rootPull)
	return best, nil
}

// GreedyOrder is the order in which a greedy solver offers slots.
type GreedyOrder uint8

const (
	SmallestFirst GreedyOrder = iota
	LargestFirst
	TopDown
	BottomUp
)

// Greedy offers the slots one at a time in order and keeps a slot when it
// fits in the remaining budget and strictly lowers the round cost.
func (opt *Optimizer) Greedy(ctx context.Context, t *Tree, budget int, rootPull PullAction, order GreedyOrder) (*Decision, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	slots := retainableSlots(t)
	switch order {
	case SmallestFirst:
		slices.SortStableFunc(slots, func(a, b slot) int { return a.memory - b.memory })
	case LargestFirst:
		slices.SortStableFunc(slots, func(a, b slot) int { return b.memory - a.memory })
	case BottomUp:
		slices.Reverse(slots)
	}

	d := NewDecision(t.Len())
	cost, err := opt.Evaluate(ctx, t, d, rootPull)
	if err != nil {
		return nil, err
	}
	remaining := budget
	for _, s := range slots {
		if s.memory > remaining {
			continue
		}
		d.SetState(s.id, s.side, StateKeepMemory)
		c, err := opt.Evaluate(ctx, t, d, rootPull)
		if err != nil {
			return nil, err
		}
		if c < cost {
			cost = c
			remaining -= s.memory
			continue
		}
		d.SetState(s.id, s.side, StateDrop)
	}
	d.Cost = cost
	GeneratePulls(t, d, rootPull)
	return d, nil
}
