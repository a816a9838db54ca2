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

	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/matrixorigin/incstate/pkg/util/metric"
)

// Entry is the winning strategy of one node for one memory amount.
type Entry struct {
	Cost float64
	// State is the retention decision per side.
	State [2]IncrementalState
	// Share is the memory handed to the child on each side.
	Share [2]int
	// Pull is the action requested from the child on each side.
	Pull   [2]PullAction
	Choice string
}

// TableStats counts how the (node, memory) cells of a table were filled.
type TableStats struct {
	Evaluated int
	Copied    int
}

// Table is the result of the cost-table dynamic program: for every node and
// every memory amount 0..budget, the cheapest strategy under each regime.
// It is immutable once built.
type Table struct {
	tree    *Tree
	budget  int
	entries [regimeCount][][]Entry
	stats   TableStats
}

func (tb *Table) Budget() int {
	return tb.budget
}

func (tb *Table) Tree() *Tree {
	return tb.tree
}

func (tb *Table) Stats() TableStats {
	return tb.stats
}

// Delta returns the entry of node id with j memory when only the delta is
// requested.
func (tb *Table) Delta(id NodeID, j int) Entry {
	return tb.entries[RegimeDelta][id][j]
}

// BatchDelta returns the entry of node id with j memory when the full output
// is requested.
func (tb *Table) BatchDelta(id NodeID, j int) Entry {
	return tb.entries[RegimeBatchDelta][id][j]
}

func (tb *Table) entry(id NodeID, r Regime, j int) *Entry {
	return &tb.entries[r][id][j]
}

// Cost is the cost of serving pull from node id with j memory.
func (tb *Table) Cost(id NodeID, pull PullAction, j int) float64 {
	if pull == PullNothing {
		return 0
	}
	return tb.entries[regimeOf(pull)][id][j].Cost
}

type tableBuilder struct {
	ctx   context.Context
	opt   *Optimizer
	tree  *Tree
	table *Table
	cands [regimeCount][]candidate
}

func (opt *Optimizer) buildCostTable(ctx context.Context, t *Tree, budget int, plateau bool) (*Table, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	if budget < 0 {
		return nil, moerr.NewInvalidInputf(ctx, "negative memory budget %d", budget)
	}
	b := &tableBuilder{
		ctx:  ctx,
		opt:  opt,
		tree: t,
		table: &Table{
			tree:   t,
			budget: budget,
		},
	}
	for r := range b.table.entries {
		b.table.entries[r] = make([][]Entry, t.Len())
	}
	for _, id := range t.PostOrder() {
		if err := b.fillNode(id, plateau); err != nil {
			return nil, err
		}
	}
	metric.CostTableEvaluatedCounter.Add(float64(b.table.stats.Evaluated))
	metric.CostTableCopiedCounter.Add(float64(b.table.stats.Copied))
	return b.table, nil
}

func (b *tableBuilder) fillNode(id NodeID, plateau bool) error {
	n := b.tree.Node(id)
	for r := Regime(0); r < regimeCount; r++ {
		cands, err := b.opt.candidates(b.ctx, b.tree, n, r)
		if err != nil {
			return err
		}
		b.cands[r] = cands
		b.table.entries[r][id] = make([]Entry, b.table.budget+1)
	}
	if plateau {
		b.fillPlateau(n)
	} else {
		b.fillLinear(n)
	}
	return nil
}

// fillLinear evaluates every memory amount. When more memory does not lower
// the cost, the entry of the smaller amount is reused so that no memory is
// spent without a gain.
func (b *tableBuilder) fillLinear(n *Node) {
	for j := 0; j <= b.table.budget; j++ {
		for r := Regime(0); r < regimeCount; r++ {
			b.store(n, r, j, b.evaluate(n, r, j))
		}
		b.table.stats.Evaluated++
	}
}

func (b *tableBuilder) store(n *Node, r Regime, j int, e Entry) {
	row := b.table.entries[r][n.ID]
	if j > 0 && e.Cost == row[j-1].Cost {
		e = row[j-1]
	}
	row[j] = e
}

func (b *tableBuilder) evaluate(n *Node, r Regime, j int) Entry {
	var best Entry
	found := false
	for i := range b.cands[r] {
		c := &b.cands[r][i]
		if c.reserve > j {
			continue
		}
		cost, share := b.bestSplit(n, c, j-c.reserve)
		if !found || cost < best.Cost {
			found = true
			best = Entry{
				Cost:   cost,
				State:  c.states(),
				Share:  share,
				Pull:   c.pull,
				Choice: c.kind.String(),
			}
		}
	}
	if !found {
		// unreachable: every rule yields a candidate without reserve
		best.Cost = math.Inf(1)
	}
	return best
}

// bestSplit finds the cheapest way to share avail memory between the
// children of n under candidate c. Ties go to the smallest left share.
func (b *tableBuilder) bestSplit(n *Node, c *candidate, avail int) (float64, [2]int) {
	tb := b.table
	lp, rp := c.pull[Left], c.pull[Right]
	switch {
	case lp != PullNothing && rp != PullNothing:
		bestK, best := 0, math.Inf(1)
		for k := 0; k <= avail; k++ {
			v := c.extra + tb.Cost(n.Left, lp, k) + tb.Cost(n.Right, rp, avail-k)
			if v < best {
				bestK, best = k, v
			}
		}
		return best, [2]int{bestK, avail - bestK}
	case lp != PullNothing:
		return c.extra + tb.Cost(n.Left, lp, avail), [2]int{avail, 0}
	case rp != PullNothing:
		return c.extra + tb.Cost(n.Right, rp, avail), [2]int{0, avail}
	}
	return c.extra, [2]int{}
}
