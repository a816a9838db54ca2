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
	"testing"

	fuzz "github.com/google/gofuzz"
)

// treeSeed is filled by gofuzz and turned into a small operator tree.
type treeSeed struct {
	Shape     [16]uint8
	Costs     [64]uint8
	Updates   uint16
	Budget    uint8
	Symmetric bool
}

type seedReader struct {
	seed         *treeSeed
	shape, costs int
}

func (r *seedReader) nextShape() int {
	v := r.seed.Shape[r.shape%len(r.seed.Shape)]
	r.shape++
	return int(v)
}

func (r *seedReader) nextCost(mod int) int {
	v := r.seed.Costs[r.costs%len(r.seed.Costs)]
	r.costs++
	return int(v) % mod
}

func (r *seedReader) sideCost() SideCost {
	c := SideCost{
		Exists:  r.nextCost(3) != 0,
		Prepare: float64(r.nextCost(10)),
		Keep:    float64(r.nextCost(5)),
	}
	if c.Exists {
		c.Memory = r.nextCost(11) + 1
	}
	return c
}

var unaryKinds = [...]Kind{KindHashAggregate, KindSortAggregate, KindSort, KindMaterial}

func (r *seedReader) build(tree *Tree, depth int) NodeID {
	shape := r.nextShape()
	if depth == 0 || shape%3 == 0 {
		return tree.AddScan("", float64(r.nextCost(10)+1), float64(r.nextCost(4)))
	}
	if shape%3 == 1 {
		child := r.build(tree, depth-1)
		return tree.AddUnary(unaryKinds[shape%len(unaryKinds)], "", child, float64(r.nextCost(6)), r.sideCost())
	}
	left := r.build(tree, depth-1)
	right := r.build(tree, depth-1)
	kind := KindHashJoin
	if shape%5 == 0 {
		kind = KindNestLoop
	}
	return tree.AddJoin(kind, "", left, right, float64(r.nextCost(6)), r.sideCost(), r.sideCost())
}

// randomTree builds a tree of depth at most 3 with a random round applied,
// and returns it with a random budget.
func randomTree(t *testing.T, seed int64) (*Tree, int) {
	var s treeSeed
	fuzz.NewWithSeed(seed).NilChance(0).Fuzz(&s)

	r := &seedReader{seed: &s}
	tree := NewTree()
	tree.SetRoot(r.build(tree, 3))
	tree.SymmetricNestLoop = s.Symmetric

	var pending []string
	for i, id := range tree.Scans() {
		n := tree.Node(id)
		n.Name = "s" + string(rune('a'+i))
		tree.names[n.Name] = id
		if s.Updates&(1<<i) != 0 {
			pending = append(pending, n.Name)
		}
	}
	bm, err := tree.PendingOf(context.Background(), pending...)
	if err != nil {
		t.Fatal(err)
	}
	tree.ApplyRound(bm)
	return tree, int(s.Budget % 40)
}
