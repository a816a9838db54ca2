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

	"github.com/RoaringBitmap/roaring"
	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/stretchr/testify/require"
)

// buildJoinTree builds join(a, b) with the join's left side memory 10 and
// prepare 5, right side memory 20 and prepare 8, and marks a as updated.
func buildJoinTree(t *testing.T) *Tree {
	tree := NewTree()
	a := tree.AddScan("a", 4, 1)
	b := tree.AddScan("b", 6, 0)
	tree.AddJoin(KindHashJoin, "join", a, b, 3,
		SideCost{Memory: 10, Prepare: 5, Exists: true},
		SideCost{Memory: 20, Prepare: 8, Exists: true})
	pending, err := tree.PendingOf(context.Background(), "a")
	require.NoError(t, err)
	tree.ApplyRound(pending)
	return tree
}

func TestParseKind(t *testing.T) {
	for s, want := range map[string]Kind{
		"hashjoin":      KindHashJoin,
		" SortAgg ":     KindSortAggregate,
		"materialize":   KindMaterial,
		"seqscan":       KindScan,
		"NESTLOOP":      KindNestLoop,
		"hashaggregate": KindHashAggregate,
	} {
		k, ok := ParseKind(s)
		require.True(t, ok, s)
		require.Equal(t, want, k)
	}
	_, ok := ParseKind("indexscan")
	require.False(t, ok)
	require.Equal(t, "Unknown", Kind(99).String())
	require.Equal(t, 2, KindMergeJoin.NumSides())
	require.Equal(t, 1, KindSort.NumSides())
	require.Equal(t, 0, KindScan.NumSides())
}

func TestApplyRound(t *testing.T) {
	tree := NewTree()
	a := tree.AddScan("a", 1, 1)
	b := tree.AddScan("b", 1, 1)
	j := tree.AddJoin(KindHashJoin, "j", a, b, 1, SideCost{}, SideCost{})
	s := tree.AddUnary(KindSort, "s", j, 1, SideCost{})
	require.Equal(t, s, tree.Root())

	bm := roaring.BitmapOf(uint32(b))
	tree.ApplyRound(bm)
	require.False(t, tree.Node(a).Updated(Left))
	require.True(t, tree.Node(b).Updated(Left))
	require.False(t, tree.Node(j).Updated(Left))
	require.True(t, tree.Node(j).Updated(Right))
	require.True(t, tree.Node(s).Updated(Left))

	tree.ApplyRound(nil)
	for _, n := range tree.Nodes() {
		require.False(t, n.HasUpdate())
	}

	_, err := tree.PendingOf(context.Background(), "j")
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
	_, err = tree.PendingOf(context.Background(), "missing")
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
}

func TestTreeOrders(t *testing.T) {
	tree := buildJoinTree(t)
	require.Equal(t, []NodeID{0, 1, 2}, tree.PostOrder())
	require.Equal(t, []NodeID{2, 0, 1}, tree.PreOrder())
	require.Equal(t, []NodeID{0, 1}, tree.Scans())
	id, ok := tree.Lookup("join")
	require.True(t, ok)
	require.Equal(t, NodeID(2), id)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, buildJoinTree(t).Validate(ctx))

	cases := map[string]struct {
		build func() *Tree
		code  uint16
	}{
		"empty": {
			build: NewTree,
			code:  moerr.ErrBadConfig,
		},
		"unknown kind": {
			build: func() *Tree {
				tree := NewTree()
				tree.AddNode(Node{Kind: Kind(42), Name: "x", Left: InvalidNodeID, Right: InvalidNodeID})
				return tree
			},
			code: moerr.ErrBadConfig,
		},
		"merge join": {
			build: func() *Tree {
				tree := NewTree()
				a := tree.AddScan("a", 1, 0)
				b := tree.AddScan("b", 1, 0)
				tree.AddJoin(KindMergeJoin, "mj", a, b, 1, SideCost{}, SideCost{})
				return tree
			},
			code: moerr.ErrNotSupported,
		},
		"memory without state": {
			build: func() *Tree {
				tree := NewTree()
				a := tree.AddScan("a", 1, 0)
				tree.AddUnary(KindSort, "s", a, 1, SideCost{Memory: 4})
				return tree
			},
			code: moerr.ErrBadConfig,
		},
		"state without memory": {
			build: func() *Tree {
				tree := NewTree()
				a := tree.AddScan("a", 1, 0)
				tree.AddUnary(KindSort, "s", a, 1, SideCost{Prepare: 3, Exists: true})
				return tree
			},
			code: moerr.ErrBadConfig,
		},
		"state on missing side": {
			build: func() *Tree {
				tree := NewTree()
				a := tree.AddScan("a", 1, 0)
				n := Node{Kind: KindSort, Left: a, Right: InvalidNodeID}
				n.StateExists[Right] = true
				tree.AddNode(n)
				return tree
			},
			code: moerr.ErrBadConfig,
		},
		"shared child": {
			build: func() *Tree {
				tree := NewTree()
				a := tree.AddScan("a", 1, 0)
				tree.AddJoin(KindHashJoin, "self", a, a, 1, SideCost{}, SideCost{})
				return tree
			},
			code: moerr.ErrBadConfig,
		},
		"dangling child": {
			build: func() *Tree {
				tree := NewTree()
				tree.AddUnary(KindSort, "s", NodeID(7), 1, SideCost{})
				return tree
			},
			code: moerr.ErrBadConfig,
		},
		"unreachable": {
			build: func() *Tree {
				tree := NewTree()
				tree.AddScan("a", 1, 0)
				tree.AddScan("b", 1, 0)
				return tree
			},
			code: moerr.ErrBadConfig,
		},
		"negative cost": {
			build: func() *Tree {
				tree := NewTree()
				tree.AddScan("a", -1, 0)
				return tree
			},
			code: moerr.ErrBadConfig,
		},
	}
	for name, c := range cases {
		err := c.build().Validate(ctx)
		require.Error(t, err, name)
		require.True(t, moerr.IsMoErrCode(err, c.code), "%s: %v", name, err)
	}
}

func TestUpdateMark(t *testing.T) {
	var m UpdateMark
	require.False(t, m.Any())
	m.SetUpdated(Right)
	require.True(t, m.Updated(Right))
	require.False(t, m.Updated(Left))
	m.SetUpdated(Left)
	m.SetUnchanged(Right)
	require.True(t, m.Updated(Left))
	require.False(t, m.Updated(Right))
	m.Reset()
	require.False(t, m.Any())
}
