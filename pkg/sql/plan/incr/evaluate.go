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
	"math"
)

// Evaluate prices a complete retention assignment for one round. Every node
// runs the cheapest of its candidates whose kept sides are all kept by d;
// memory is not checked here.
func (opt *Optimizer) Evaluate(ctx context.Context, t *Tree, d *Decision, rootPull PullAction) (float64, error) {
	if err := d.check(ctx, t); err != nil {
		return 0, err
	}
	ev := &evaluator{
		ctx:  ctx,
		opt:  opt,
		tree: t,
		d:    d,
		memo: make([][regimeCount]float64, t.Len()),
		done: make([][regimeCount]bool, t.Len()),
	}
	return ev.cost(t.Root(), rootPull)
}

// Evaluate prices d with the default rules.
func Evaluate(ctx context.Context, t *Tree, d *Decision, rootPull PullAction) (float64, error) {
	return DefaultOptimizer.Evaluate(ctx, t, d, rootPull)
}

type evaluator struct {
	ctx  context.Context
	opt  *Optimizer
	tree *Tree
	d    *Decision
	memo [][regimeCount]float64
	done [][regimeCount]bool
}

func (ev *evaluator) cost(id NodeID, pull PullAction) (float64, error) {
	if pull == PullNothing {
		return 0, nil
	}
	r := regimeOf(pull)
	if ev.done[id][r] {
		return ev.memo[id][r], nil
	}
	n := ev.tree.Node(id)
	cands, err := ev.opt.candidates(ev.ctx, ev.tree, n, r)
	if err != nil {
		return 0, err
	}
	best := math.Inf(1)
	for i := range cands {
		c := &cands[i]
		if !c.keepsWithin(ev.d.Nodes[id].State) {
			continue
		}
		v := c.extra
		for s := 0; s < n.Kind.NumSides(); s++ {
			cv, err := ev.cost(n.Child(Side(s)), c.pull[s])
			if err != nil {
				return 0, err
			}
			v += cv
		}
		if v < best {
			best = v
		}
	}
	ev.memo[id][r] = best
	ev.done[id][r] = true
	return best, nil
}
