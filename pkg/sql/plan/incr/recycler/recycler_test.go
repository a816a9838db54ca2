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

package recycler

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/matrixorigin/incstate/pkg/sql/plan/incr"
	"github.com/matrixorigin/incstate/pkg/util/metric"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

// joinTree is join(a, b): the left state costs 10 memory and nothing to
// keep, the right one 20 memory and 8 to prepare.
func joinTree() (*incr.Tree, incr.NodeID) {
	tree := incr.NewTree()
	a := tree.AddScan("a", 4, 1)
	b := tree.AddScan("b", 6, 0)
	j := tree.AddJoin(incr.KindHashJoin, "join", a, b, 3,
		incr.SideCost{Memory: 10, Prepare: 5, Exists: true},
		incr.SideCost{Memory: 20, Prepare: 8, Exists: true})
	return tree, j
}

func applyRound(t *testing.T, tree *incr.Tree, scans ...string) {
	bm, err := tree.PendingOf(context.Background(), scans...)
	require.NoError(t, err)
	tree.ApplyRound(bm)
}

func cachedFlags(r *Recycler) []bool {
	var flags []bool
	for _, s := range r.Slots() {
		flags = append(flags, s.Cached)
	}
	return flags
}

func TestRecyclerRounds(t *testing.T) {
	ctx := context.Background()
	Convey("Given a join whose two states cannot both fit", t, func() {
		tree, j := joinTree()
		r, err := InitializeRecycler(ctx, tree, 25)
		So(err, ShouldBeNil)
		So(r.Slots(), ShouldHaveLength, 2)
		So(r.MemoryUsed(), ShouldEqual, 0)

		displaced := counterValue(t, metric.RecyclerDisplaceCounter)
		applyRound(t, tree)
		So(r.RunRound(ctx, incr.PullDelta), ShouldBeNil)

		Convey("the state that saves more per unit of memory wins", func() {
			left, _ := r.Slot(j, incr.Left)
			right, _ := r.Slot(j, incr.Right)
			So(left.Cached, ShouldBeFalse)
			So(right.Cached, ShouldBeTrue)
			So(left.TrueCost, ShouldEqual, 4.0)
			So(right.TrueCost, ShouldEqual, 14.0)
			So(left.IFactor, ShouldEqual, 2)
			So(right.IFactor, ShouldEqual, 2)
			So(r.MemoryUsed(), ShouldEqual, 20)
			So(r.Decision().State(j, incr.Right), ShouldEqual, incr.StateKeepMemory)
			So(r.Decision().State(j, incr.Left), ShouldEqual, incr.StateDrop)
			So(counterValue(t, metric.RecyclerDisplaceCounter), ShouldEqual, displaced+1)
			So(gaugeValue(t, metric.RecyclerAdmittedMemoryGauge), ShouldEqual, 20.0)
			So(r.Round(), ShouldEqual, 1)
		})

		Convey("rounds without changes keep the admitted set", func() {
			before := cachedFlags(r)
			for i := 0; i < 5; i++ {
				applyRound(t, tree)
				So(r.RunRound(ctx, incr.PullDelta), ShouldBeNil)
				So(cachedFlags(r), ShouldResemble, before)
			}
			left, _ := r.Slot(j, incr.Left)
			So(left.IFactor, ShouldEqual, 7)
			So(r.Decision().Pull(j, incr.Left), ShouldEqual, incr.PullNothing)
			So(r.Decision().Pull(j, incr.Right), ShouldEqual, incr.PullNothing)
		})

		Convey("an update invalidates the state it reaches", func() {
			invalidated := counterValue(t, metric.RecyclerInvalidateCounter)
			applyRound(t, tree, "b")
			So(r.Update(ctx), ShouldBeNil)

			left, _ := r.Slot(j, incr.Left)
			right, _ := r.Slot(j, incr.Right)
			So(right.Cached, ShouldBeFalse)
			So(right.IFactor, ShouldEqual, 1)
			So(left.IFactor, ShouldEqual, 3)
			So(counterValue(t, metric.RecyclerInvalidateCounter), ShouldEqual, invalidated+1)

			So(r.Exec(ctx, incr.PullDelta), ShouldBeNil)
			left, _ = r.Slot(j, incr.Left)
			right, _ = r.Slot(j, incr.Right)
			So(left.Cached, ShouldBeTrue)
			So(right.Cached, ShouldBeFalse)
			So(r.MemoryUsed(), ShouldEqual, 10)
			So(r.Decision().Nodes[j].State, ShouldResemble, [2]incr.IncrementalState{incr.StateKeepMemory, incr.StateDrop})
			So(r.Decision().Pull(j, incr.Left), ShouldEqual, incr.PullNothing)
			So(r.Decision().Pull(j, incr.Right), ShouldEqual, incr.PullDelta)
		})

		Convey("a state that grows past the budget is evicted", func() {
			evicted := counterValue(t, metric.RecyclerEvictCounter)
			tree.Node(j).MemoryCost[incr.Right] = 30
			applyRound(t, tree)
			So(r.RunRound(ctx, incr.PullDelta), ShouldBeNil)

			left, _ := r.Slot(j, incr.Left)
			right, _ := r.Slot(j, incr.Right)
			So(right.Cached, ShouldBeFalse)
			So(right.Memory, ShouldEqual, 30)
			So(left.Cached, ShouldBeTrue)
			So(r.MemoryUsed(), ShouldBeLessThanOrEqualTo, 25)
			So(counterValue(t, metric.RecyclerEvictCounter), ShouldEqual, evicted+1)
		})
	})
}

func TestStateWithoutMemory(t *testing.T) {
	ctx := context.Background()
	tree := incr.NewTree()
	a := tree.AddScan("a", 2, 1)
	m := tree.AddUnary(incr.KindMaterial, "m", a, 1, incr.SideCost{Prepare: 3, Exists: true})
	_, err := InitializeRecycler(ctx, tree, 0)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))

	tree.Node(m).MemoryCost[incr.Left] = 2
	r, err := InitializeRecycler(ctx, tree, 0)
	require.NoError(t, err)
	applyRound(t, tree, "a")
	require.NoError(t, r.RunRound(ctx, incr.PullDelta))
	slot, ok := r.Slot(m, incr.Left)
	require.True(t, ok)
	require.False(t, slot.Cached)
	require.Equal(t, incr.StateDrop, r.Decision().State(m, incr.Left))
	require.Zero(t, r.MemoryUsed())
	_, ok = r.Slot(a, incr.Left)
	require.False(t, ok)

	// a state re-estimated to nothing between rounds fails the round
	tree.Node(m).MemoryCost[incr.Left] = 0
	err = r.RunRound(ctx, incr.PullDelta)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))
}

func TestInitializeFromPlan(t *testing.T) {
	ctx := context.Background()
	tree, j := joinTree()
	applyRound(t, tree, "a")
	plan, err := incr.FindBestPlan(ctx, tree, 25, incr.PullBatchAndDelta, incr.StrategyDP)
	require.NoError(t, err)

	r, err := InitializeRecycler(ctx, tree, 25, WithDecision(plan.Decision))
	require.NoError(t, err)
	right, _ := r.Slot(j, incr.Right)
	require.True(t, right.Cached)
	require.Equal(t, 20, r.MemoryUsed())

	// the recycler owns a copy
	r.Decision().SetState(j, incr.Right, incr.StateDrop)
	require.Equal(t, incr.StateKeepMemory, plan.Decision.State(j, incr.Right))

	_, err = InitializeRecycler(ctx, tree, 25, WithDecision(incr.NewDecision(1)))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
	_, err = InitializeRecycler(ctx, tree, -1)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
}

type roundSeed struct {
	Costs   [40]uint8
	Rounds  [16]uint8
	Budget  uint8
	Resizes [16]uint8
}

// chainTree builds join(sort(join(a, b)), join(c, d)) from fuzzed costs.
func chainTree(s *roundSeed) *incr.Tree {
	i := 0
	next := func(mod int) int {
		v := int(s.Costs[i%len(s.Costs)]) % mod
		i++
		return v
	}
	side := func() incr.SideCost {
		c := incr.SideCost{
			Exists:  next(4) != 0,
			Prepare: float64(next(10)),
			Keep:    float64(next(4)),
		}
		if c.Exists {
			c.Memory = next(14) + 1
		}
		return c
	}
	tree := incr.NewTree()
	a := tree.AddScan("a", float64(next(8)+1), float64(next(3)))
	b := tree.AddScan("b", float64(next(8)+1), float64(next(3)))
	j1 := tree.AddJoin(incr.KindHashJoin, "j1", a, b, float64(next(5)), side(), side())
	srt := tree.AddUnary(incr.KindSort, "sort", j1, float64(next(5)), side())
	c := tree.AddScan("c", float64(next(8)+1), float64(next(3)))
	d := tree.AddScan("d", float64(next(8)+1), float64(next(3)))
	j2 := tree.AddJoin(incr.KindHashJoin, "j2", c, d, float64(next(5)), side(), side())
	tree.AddJoin(incr.KindHashJoin, "top", srt, j2, float64(next(5)), side(), side())
	return tree
}

func TestAdmissionStaysWithinBudget(t *testing.T) {
	ctx := context.Background()
	scans := []string{"a", "b", "c", "d"}
	for seed := int64(0); seed < 50; seed++ {
		var s roundSeed
		fuzz.NewWithSeed(seed).NilChance(0).Fuzz(&s)
		tree := chainTree(&s)
		budget := int(s.Budget % 50)

		r, err := InitializeRecycler(ctx, tree, budget)
		require.NoError(t, err)
		for round, mask := range s.Rounds {
			// occasionally a state is re-estimated between rounds
			if id := incr.NodeID(s.Resizes[round] % uint8(tree.Len())); tree.Node(id).StateExists[incr.Left] {
				tree.Node(id).MemoryCost[incr.Left] = int(s.Resizes[round]%19) + 1
			}
			var pending []string
			for i, name := range scans {
				if mask&(1<<i) != 0 {
					pending = append(pending, name)
				}
			}
			applyRound(t, tree, pending...)
			require.NoError(t, r.RunRound(ctx, incr.PullDelta))

			require.LessOrEqual(t, r.MemoryUsed(), budget, "seed %d round %d", seed, round)
			for _, slot := range r.Slots() {
				require.GreaterOrEqual(t, slot.IFactor, 1)
				require.Equal(t, slot.Cached, r.Decision().State(slot.Node, slot.Side).Kept(), "seed %d round %d", seed, round)
			}
			regenerated := r.Decision().Clone()
			incr.GeneratePulls(tree, regenerated, incr.PullDelta)
			require.Equal(t, regenerated.Nodes, r.Decision().Nodes)
		}
	}
}

func TestIdleRoundsKeepTheAdmittedSet(t *testing.T) {
	ctx := context.Background()
	scans := []string{"a", "b", "c", "d"}
	for seed := int64(0); seed < 500; seed++ {
		var s roundSeed
		fuzz.NewWithSeed(seed).NilChance(0).Fuzz(&s)
		tree := chainTree(&s)
		budget := int(s.Budget % 50)

		r, err := InitializeRecycler(ctx, tree, budget)
		require.NoError(t, err)
		for _, mask := range s.Rounds[:6] {
			var pending []string
			for i, name := range scans {
				if mask&(1<<i) != 0 {
					pending = append(pending, name)
				}
			}
			applyRound(t, tree, pending...)
			require.NoError(t, r.RunRound(ctx, incr.PullDelta))
		}

		applyRound(t, tree)
		require.NoError(t, r.RunRound(ctx, incr.PullDelta))
		settled := cachedFlags(r)
		states := r.Decision().Clone()
		for i := 0; i < 3; i++ {
			applyRound(t, tree)
			require.NoError(t, r.RunRound(ctx, incr.PullDelta))
			require.Equal(t, settled, cachedFlags(r), "seed %d idle round %d", seed, i)
			require.True(t, states.SameStates(r.Decision()), "seed %d idle round %d", seed, i)
		}
	}
}
