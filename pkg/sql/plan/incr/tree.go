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
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/matrixorigin/incstate/pkg/common/moerr"
)

// NodeID addresses a node inside the arena of its Tree.
type NodeID int32

const InvalidNodeID NodeID = -1

type Kind uint8

const (
	KindScan Kind = iota
	KindHashJoin
	KindNestLoop
	KindMergeJoin
	KindHashAggregate
	KindSortAggregate
	KindSort
	KindMaterial

	kindCount
)

var kindNames = [...]string{
	KindScan:          "Scan",
	KindHashJoin:      "HashJoin",
	KindNestLoop:      "NestLoop",
	KindMergeJoin:     "MergeJoin",
	KindHashAggregate: "HashAggregate",
	KindSortAggregate: "SortAggregate",
	KindSort:          "Sort",
	KindMaterial:      "Material",
}

var kindAliases = map[string]Kind{
	"scan":          KindScan,
	"seqscan":       KindScan,
	"hashjoin":      KindHashJoin,
	"nestloop":      KindNestLoop,
	"mergejoin":     KindMergeJoin,
	"hashagg":       KindHashAggregate,
	"hashaggregate": KindHashAggregate,
	"sortagg":       KindSortAggregate,
	"sortaggregate": KindSortAggregate,
	"sort":          KindSort,
	"material":      KindMaterial,
	"materialize":   KindMaterial,
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "Unknown"
}

// ParseKind accepts the lower-case operator names used in planner
// configuration files, e.g. "hashjoin" or "sortagg".
func ParseKind(s string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

func (k Kind) IsJoin() bool {
	return k == KindHashJoin || k == KindNestLoop || k == KindMergeJoin
}

func (k Kind) IsUnary() bool {
	switch k {
	case KindHashAggregate, KindSortAggregate, KindSort, KindMaterial:
		return true
	}
	return false
}

// NumSides returns how many child sides a node of this kind has.
func (k Kind) NumSides() int {
	switch {
	case k.IsJoin():
		return 2
	case k.IsUnary():
		return 1
	}
	return 0
}

type Side uint8

const (
	Left Side = iota
	Right
)

var Sides = [2]Side{Left, Right}

func (s Side) Other() Side {
	return 1 - s
}

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// SideCost bundles the per-side coefficients of a node.
type SideCost struct {
	Memory  int
	Prepare float64
	Delta   float64
	Keep    float64
	Exists  bool
}

// Node is one physical operator instance. Children are referenced by id.
type Node struct {
	ID    NodeID
	Kind  Kind
	Name  string
	Left  NodeID
	Right NodeID

	ComputeCost float64
	MemoryCost  [2]int
	PrepareCost [2]float64
	DeltaCost   [2]float64
	KeepCost    [2]float64
	StateExists [2]bool

	// Update records which sides carry changed rows in the current round.
	// A scan keeps its own pending-delta flag on the left bit.
	Update UpdateMark
}

func (n *Node) Child(s Side) NodeID {
	if s == Left {
		return n.Left
	}
	return n.Right
}

func (n *Node) Updated(s Side) bool {
	return n.Update.Updated(s)
}

func (n *Node) HasUpdate() bool {
	return n.Update.Any()
}

func (n *Node) setSide(s Side, c SideCost) {
	n.MemoryCost[s] = c.Memory
	n.PrepareCost[s] = c.Prepare
	n.DeltaCost[s] = c.Delta
	n.KeepCost[s] = c.Keep
	n.StateExists[s] = c.Exists
}

// Tree owns an arena of operator nodes and the root id. It is built once per
// compilation; only the per-round update marks change afterwards.
type Tree struct {
	nodes []*Node
	names map[string]NodeID
	root  NodeID

	// SymmetricNestLoop enables keep-based candidates on NestLoop nodes.
	SymmetricNestLoop bool
}

func NewTree() *Tree {
	return &Tree{
		names: make(map[string]NodeID),
		root:  InvalidNodeID,
	}
}

// AddNode copies n into the arena and returns its id. The last added node
// becomes the root unless SetRoot is called.
func (t *Tree) AddNode(n Node) NodeID {
	id := NodeID(len(t.nodes))
	n.ID = id
	t.nodes = append(t.nodes, &n)
	if n.Name != "" {
		t.names[n.Name] = id
	}
	t.root = id
	return id
}

func (t *Tree) AddScan(name string, compute, delta float64) NodeID {
	n := Node{Kind: KindScan, Name: name, Left: InvalidNodeID, Right: InvalidNodeID, ComputeCost: compute}
	n.DeltaCost[Left] = delta
	return t.AddNode(n)
}

func (t *Tree) AddUnary(kind Kind, name string, child NodeID, compute float64, c SideCost) NodeID {
	n := Node{Kind: kind, Name: name, Left: child, Right: InvalidNodeID, ComputeCost: compute}
	n.setSide(Left, c)
	return t.AddNode(n)
}

func (t *Tree) AddJoin(kind Kind, name string, left, right NodeID, compute float64, l, r SideCost) NodeID {
	n := Node{Kind: kind, Name: name, Left: left, Right: right, ComputeCost: compute}
	n.setSide(Left, l)
	n.setSide(Right, r)
	return t.AddNode(n)
}

func (t *Tree) SetRoot(id NodeID) {
	t.root = id
}

func (t *Tree) Root() NodeID {
	return t.root
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Node(id NodeID) *Node {
	return t.nodes[id]
}

func (t *Tree) Nodes() []*Node {
	return t.nodes
}

// Lookup finds a node by name.
func (t *Tree) Lookup(name string) (NodeID, bool) {
	id, ok := t.names[name]
	return id, ok
}

func (t *Tree) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes)
}

func describe(n *Node) string {
	if n.Name != "" {
		return n.Name
	}
	return n.Kind.String()
}

// Validate checks the structural and cost invariants the planner relies on.
// Every violation is a configuration error naming the offending node.
func (t *Tree) Validate(ctx context.Context) error {
	if !t.valid(t.root) {
		return moerr.NewBadConfigf(ctx, "tree has no valid root (%d)", t.root)
	}
	seen := make([]bool, len(t.nodes))
	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		if !t.valid(id) {
			return moerr.NewBadConfigf(ctx, "dangling child reference %d", id)
		}
		if seen[id] {
			return moerr.NewBadConfigf(ctx, "node %d (%s) is referenced more than once", id, describe(t.nodes[id]))
		}
		seen[id] = true
		n := t.nodes[id]
		if err := t.validateNode(ctx, n); err != nil {
			return err
		}
		for s := 0; s < n.Kind.NumSides(); s++ {
			if err := visit(n.Child(Side(s))); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(t.root); err != nil {
		return err
	}
	for id, ok := range seen {
		if !ok {
			return moerr.NewBadConfigf(ctx, "node %d (%s) is not reachable from the root", id, describe(t.nodes[id]))
		}
	}
	return nil
}

func (t *Tree) validateNode(ctx context.Context, n *Node) error {
	if n.Kind >= kindCount {
		return moerr.NewBadConfigf(ctx, "node %d (%s): unrecognized node kind %d", n.ID, n.Name, n.Kind)
	}
	if n.Kind == KindMergeJoin {
		return moerr.NewNotSupportedf(ctx, "node %d (%s): merge join", n.ID, describe(n))
	}
	sides := n.Kind.NumSides()
	if sides < 2 && n.Right != InvalidNodeID {
		return moerr.NewBadConfigf(ctx, "node %d (%s): %s cannot have a right child", n.ID, describe(n), n.Kind)
	}
	if sides < 1 && n.Left != InvalidNodeID {
		return moerr.NewBadConfigf(ctx, "node %d (%s): scan cannot have children", n.ID, describe(n))
	}
	if n.ComputeCost < 0 {
		return moerr.NewBadConfigf(ctx, "node %d (%s): negative compute cost", n.ID, describe(n))
	}
	for _, s := range Sides {
		if n.MemoryCost[s] < 0 || n.PrepareCost[s] < 0 || n.DeltaCost[s] < 0 || n.KeepCost[s] < 0 {
			return moerr.NewBadConfigf(ctx, "node %d (%s): negative cost on %s side", n.ID, describe(n), s)
		}
		if int(s) >= sides && n.StateExists[s] {
			return moerr.NewBadConfigf(ctx, "node %d (%s): state declared on missing %s side", n.ID, describe(n), s)
		}
		if !n.StateExists[s] && n.MemoryCost[s] != 0 {
			return moerr.NewBadConfigf(ctx, "node %d (%s): memory cost %d attributed to nonexistent %s state",
				n.ID, describe(n), n.MemoryCost[s], s)
		}
		// a retained state always occupies memory, so DROP stays the only
		// choice at budget zero
		if n.StateExists[s] && n.MemoryCost[s] == 0 {
			return moerr.NewBadConfigf(ctx, "node %d (%s): %s state has no memory cost", n.ID, describe(n), s)
		}
	}
	return nil
}

// PostOrder lists the nodes reachable from the root, children before parents.
func (t *Tree) PostOrder() []NodeID {
	order := make([]NodeID, 0, len(t.nodes))
	var walk func(id NodeID)
	walk = func(id NodeID) {
		n := t.nodes[id]
		for s := 0; s < n.Kind.NumSides(); s++ {
			walk(n.Child(Side(s)))
		}
		order = append(order, id)
	}
	if t.valid(t.root) {
		walk(t.root)
	}
	return order
}

// PreOrder lists the nodes reachable from the root, parents before children.
func (t *Tree) PreOrder() []NodeID {
	order := make([]NodeID, 0, len(t.nodes))
	var walk func(id NodeID)
	walk = func(id NodeID) {
		order = append(order, id)
		n := t.nodes[id]
		for s := 0; s < n.Kind.NumSides(); s++ {
			walk(n.Child(Side(s)))
		}
	}
	if t.valid(t.root) {
		walk(t.root)
	}
	return order
}

func (t *Tree) Scans() []NodeID {
	var scans []NodeID
	for _, n := range t.nodes {
		if n.Kind == KindScan {
			scans = append(scans, n.ID)
		}
	}
	return scans
}

// ApplyRound marks the scans listed in pending as carrying delta rows and
// derives the per-side update marks of every other node bottom-up.
func (t *Tree) ApplyRound(pending *roaring.Bitmap) {
	for _, id := range t.PostOrder() {
		n := t.nodes[id]
		n.Update.Reset()
		if n.Kind == KindScan {
			if pending != nil && pending.Contains(uint32(id)) {
				n.Update.SetUpdated(Left)
			}
			continue
		}
		for s := 0; s < n.Kind.NumSides(); s++ {
			if t.nodes[n.Child(Side(s))].HasUpdate() {
				n.Update.SetUpdated(Side(s))
			}
		}
	}
}

// PendingOf builds the pending-delta bitmap for the named scans.
func (t *Tree) PendingOf(ctx context.Context, names ...string) (*roaring.Bitmap, error) {
	bm := roaring.New()
	for _, name := range names {
		id, ok := t.Lookup(name)
		if !ok {
			return nil, moerr.NewInvalidInputf(ctx, "unknown scan %q", name)
		}
		if t.nodes[id].Kind != KindScan {
			return nil, moerr.NewInvalidInputf(ctx, "node %q is a %s, not a scan", name, t.nodes[id].Kind)
		}
		bm.Add(uint32(id))
	}
	return bm, nil
}
