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

// Package recycler keeps the retention decision of a running incremental
// query up to date between rounds without solving the cost table again.
//
// Every retainable (node, side) state is a slot in a benefit-density cache:
// a slot is worth the recomputation it saves, scaled by how long its subtree
// has stayed idle, per unit of memory. Each round the driver calls Update,
// which invalidates slots that received changed rows and credits idle ones,
// then Exec, which re-admits slots into the memory budget.
//
// A round in which no slot was invalidated and no slot changed size is
// steady: Exec only admits slots into free memory and never evicts or
// displaces, so repeated rounds without changes keep the admitted set.
package recycler

import (
	"context"
	"slices"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/matrixorigin/incstate/pkg/logutil"
	"github.com/matrixorigin/incstate/pkg/sql/plan/incr"
	"github.com/matrixorigin/incstate/pkg/util/metric"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const noSlot = -1

// Slot is one retainable state of the tree.
type Slot struct {
	Node incr.NodeID
	Side incr.Side
	// Memory is refreshed from the node on every Update.
	Memory int
	// TrueCost is the recomputation avoided by keeping the slot.
	TrueCost float64
	// IFactor counts the rounds the slot's subtree stayed idle, at least 1.
	IFactor int
	Benefit float64
	Cached  bool

	idx int
}

func (s *Slot) less(o *Slot) bool {
	if s.Benefit != o.Benefit {
		return s.Benefit < o.Benefit
	}
	return s.idx < o.idx
}

type Option func(*Recycler)

// WithDecision seeds the cached slots from a plan, typically the first
// decision found by the optimizer.
func WithDecision(d *incr.Decision) Option {
	return func(r *Recycler) {
		r.decision = d.Clone()
	}
}

// Recycler owns the slots of one tree. It is driven by a single caller, one
// round at a time.
type Recycler struct {
	id     uuid.UUID
	tree   *incr.Tree
	budget int

	decision *incr.Decision
	slots    []*Slot
	slotOf   [][2]int

	used     int
	snapshot []bool
	// changed is set by Update when a slot was invalidated or resized.
	changed bool
	total   []float64
	round   int
}

// InitializeRecycler creates one slot per retainable state of t.
func InitializeRecycler(ctx context.Context, t *incr.Tree, budget int, opts ...Option) (*Recycler, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	if budget < 0 {
		return nil, moerr.NewInvalidInputf(ctx, "negative memory budget %d", budget)
	}
	r := &Recycler{
		id:     uuid.New(),
		tree:   t,
		budget: budget,
		slotOf: make([][2]int, t.Len()),
		total:  make([]float64, t.Len()),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.decision == nil {
		r.decision = incr.NewDecision(t.Len())
	} else if len(r.decision.Nodes) != t.Len() {
		return nil, moerr.NewInvalidInputf(ctx, "decision covers %d nodes, tree has %d", len(r.decision.Nodes), t.Len())
	}

	for _, id := range t.PreOrder() {
		n := t.Node(id)
		r.slotOf[id] = [2]int{noSlot, noSlot}
		for _, side := range incr.Sides {
			if !n.StateExists[side] {
				r.decision.SetState(id, side, incr.StateDrop)
				continue
			}
			s := &Slot{
				Node:    id,
				Side:    side,
				Memory:  n.MemoryCost[side],
				IFactor: 1,
				Cached:  r.decision.State(id, side).Kept(),
				idx:     len(r.slots),
			}
			r.slotOf[id][side] = s.idx
			r.slots = append(r.slots, s)
		}
	}
	r.used = r.cachedMemory()

	logutil.Info("recycler initialized",
		logutil.OperationField("initialize-recycler"),
		logutil.PlanField(r.id.String()),
		zap.Int("budget", budget),
		zap.Int("slots", len(r.slots)),
		zap.Int("memory-used", r.used),
	)
	return r, nil
}

func (r *Recycler) ID() uuid.UUID {
	return r.id
}

func (r *Recycler) Tree() *incr.Tree {
	return r.tree
}

func (r *Recycler) Budget() int {
	return r.budget
}

// Decision is the live decision. The recycler mutates it in place on every
// Exec; callers must not hold on to it across rounds.
func (r *Recycler) Decision() *incr.Decision {
	return r.decision
}

// Slots returns a copy of the slots in pre-order.
func (r *Recycler) Slots() []Slot {
	return lo.Map(r.slots, func(s *Slot, _ int) Slot { return *s })
}

// Slot returns the slot of one side, if the side has a retainable state.
func (r *Recycler) Slot(id incr.NodeID, side incr.Side) (Slot, bool) {
	i := r.slotOf[id][side]
	if i == noSlot {
		return Slot{}, false
	}
	return *r.slots[i], true
}

// MemoryUsed is the memory held by cached slots.
func (r *Recycler) MemoryUsed() int {
	return r.cachedMemory()
}

// TotalCost is the reporting cost of the root under the current decision,
// as computed by the last Exec.
func (r *Recycler) TotalCost() float64 {
	return r.total[r.tree.Root()]
}

func (r *Recycler) Round() int {
	return r.round
}

func (r *Recycler) cachedMemory() int {
	return lo.SumBy(r.slots, func(s *Slot) int {
		if s.Cached {
			return s.Memory
		}
		return 0
	})
}

func (r *Recycler) slot(id incr.NodeID, side incr.Side) *Slot {
	if i := r.slotOf[id][side]; i != noSlot {
		return r.slots[i]
	}
	return nil
}

// propagate calls visit for every side reachable from id through dropped
// sides. A kept side is visited but its child is not.
func (r *Recycler) propagate(id incr.NodeID, visit func(n *incr.Node, side incr.Side, s *Slot)) {
	n := r.tree.Node(id)
	for i := 0; i < n.Kind.NumSides(); i++ {
		side := incr.Side(i)
		s := r.slot(id, side)
		visit(n, side, s)
		if s == nil || !s.Cached {
			r.propagate(n.Child(side), visit)
		}
	}
}

// Update starts a round: it refreshes slot memory from the tree, drops every
// slot whose side received changed rows and credits the idle ones.
func (r *Recycler) Update(ctx context.Context) error {
	for _, s := range r.slots {
		if m := r.tree.Node(s.Node).MemoryCost[s.Side]; m <= 0 {
			return moerr.NewBadConfigf(ctx, "node %d: retained %s state has memory cost %d", s.Node, s.Side, m)
		}
	}
	r.snapshot = lo.Map(r.slots, func(s *Slot, _ int) bool { return s.Cached })
	r.used = 0
	r.changed = false
	for _, s := range r.slots {
		n := r.tree.Node(s.Node)
		if s.Memory != n.MemoryCost[s.Side] {
			s.Memory = n.MemoryCost[s.Side]
			r.changed = true
		}
		if n.Updated(s.Side) {
			r.changed = true
			if s.Cached {
				metric.RecyclerInvalidateCounter.Inc()
			}
			s.Cached = false
			s.IFactor = 1
			continue
		}
		if s.Cached {
			r.used += s.Memory
		}
	}

	r.propagate(r.tree.Root(), func(n *incr.Node, side incr.Side, s *Slot) {
		if s != nil && !n.Updated(side) {
			s.IFactor++
		}
	})
	return nil
}

// Exec finishes a round: it recomputes the benefit of every slot, admits
// slots into the budget, applies the changes to the decision and regenerates
// the pull actions starting from rootPull.
func (r *Recycler) Exec(ctx context.Context, rootPull incr.PullAction) error {
	start := time.Now()
	// Exec without Update re-ranks everything
	steady := r.snapshot != nil && !r.changed && r.round > 0
	if r.snapshot == nil {
		r.snapshot = lo.Map(r.slots, func(s *Slot, _ int) bool { return s.Cached })
		r.used = r.cachedMemory()
	}

	r.computeTrueCost()
	for _, s := range r.slots {
		s.Benefit = s.TrueCost * float64(s.IFactor) / float64(s.Memory)
	}

	cached := btree.NewG[*Slot](8, (*Slot).less)
	for _, s := range r.slots {
		if s.Cached {
			cached.ReplaceOrInsert(s)
		}
	}

	// refreshed memory may no longer fit
	if r.used > r.budget {
		logutil.Warn("retained states exceed the budget",
			logutil.PlanField(r.id.String()),
			zap.Int("memory-used", r.used),
			zap.Int("budget", r.budget),
		)
	}
	for r.used > r.budget {
		s, ok := cached.DeleteMin()
		if !ok {
			break
		}
		s.Cached = false
		r.used -= s.Memory
		metric.RecyclerEvictCounter.Inc()
	}

	order := slices.Clone(r.slots)
	slices.SortFunc(order, func(a, b *Slot) int {
		if a.less(b) {
			return -1
		}
		if b.less(a) {
			return 1
		}
		return 0
	})
	for _, s := range order {
		if s.Cached || s.Memory > r.budget {
			continue
		}
		if s.Memory <= r.budget-r.used {
			r.admit(cached, s)
			continue
		}
		if !steady {
			r.displace(cached, s)
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		if s := order[i]; !s.Cached && s.Memory <= r.budget-r.used {
			r.admit(cached, s)
		}
	}

	flips := r.applyFlips()
	incr.GeneratePulls(r.tree, r.decision, rootPull)
	r.computeTrueCost()
	r.decision.Cost = r.TotalCost()
	r.snapshot = nil
	r.round++

	metric.RecyclerRoundCounter.Inc()
	metric.RecyclerAdmittedMemoryGauge.Set(float64(r.used))
	logutil.Debug("recycler round",
		logutil.OperationField("exec-recycler"),
		logutil.PlanField(r.id.String()),
		zap.Int("round", r.round),
		zap.Int("memory-used", r.used),
		zap.Int("flips", flips),
		zap.Bool("steady", steady),
		zap.Float64("cost", r.decision.Cost),
		logutil.DurationField(time.Since(start)),
	)
	return nil
}

// RunRound is Update followed by Exec.
func (r *Recycler) RunRound(ctx context.Context, rootPull incr.PullAction) error {
	if err := r.Update(ctx); err != nil {
		return err
	}
	return r.Exec(ctx, rootPull)
}

func (r *Recycler) admit(cached *btree.BTreeG[*Slot], s *Slot) {
	s.Cached = true
	r.used += s.Memory
	cached.ReplaceOrInsert(s)
	metric.RecyclerAdmitCounter.Inc()
}

// displace evicts the shortest prefix of cached slots, in ascending benefit
// order, that frees enough memory for s, provided the prefix is worth less
// on average than s.
func (r *Recycler) displace(cached *btree.BTreeG[*Slot], s *Slot) {
	need := s.Memory - (r.budget - r.used)
	var (
		prefix   []*Slot
		benefits []float64
		freed    int
	)
	cached.Ascend(func(c *Slot) bool {
		prefix = append(prefix, c)
		benefits = append(benefits, c.Benefit)
		freed += c.Memory
		return freed < need
	})
	if freed < need || stat.Mean(benefits, nil) >= s.Benefit {
		return
	}
	for _, c := range prefix {
		cached.Delete(c)
		c.Cached = false
		r.used -= c.Memory
	}
	metric.RecyclerDisplaceCounter.Add(float64(len(prefix)))
	r.admit(cached, s)
}

// applyFlips writes every slot whose cached flag changed during the round
// into the decision and moves the idle credit of the subtree below it.
func (r *Recycler) applyFlips() int {
	flips := 0
	for i, s := range r.slots {
		if s.Cached == r.snapshot[i] {
			continue
		}
		flips++
		state, delta := incr.StateDrop, 1
		if s.Cached {
			state, delta = incr.StateKeepMemory, -1
		}
		r.decision.SetState(s.Node, s.Side, state)
		logutil.Debug("recycler flip",
			logutil.PlanField(r.id.String()),
			logutil.NodeField(int32(s.Node)),
			zap.Stringer("side", s.Side),
			zap.Stringer("state", state),
			zap.Float64("benefit", s.Benefit),
		)
		child := r.tree.Node(s.Node).Child(s.Side)
		r.propagate(child, func(_ *incr.Node, _ incr.Side, c *Slot) {
			if c != nil {
				c.IFactor = max(c.IFactor+delta, 1)
			}
		})
	}
	return flips
}

// computeTrueCost estimates, bottom-up, what each slot saves when kept and
// what each node costs under the current cached flags.
func (r *Recycler) computeTrueCost() {
	t := r.tree
	for _, id := range t.PostOrder() {
		n := t.Node(id)
		var tc [2]float64
		switch n.Kind.NumSides() {
		case 1:
			tc[incr.Left] = n.PrepareCost[incr.Left] + r.total[n.Left]
		case 2:
			tc[incr.Left] = n.KeepCost[incr.Left] + r.total[n.Left]
			tc[incr.Right] = n.PrepareCost[incr.Right] + r.total[n.Right]
		}
		total := n.ComputeCost
		for i := 0; i < n.Kind.NumSides(); i++ {
			s := r.slot(id, incr.Side(i))
			if s != nil {
				s.TrueCost = tc[i]
			}
			if s == nil || !s.Cached {
				total += tc[i]
			}
		}
		r.total[id] = total
	}
}
