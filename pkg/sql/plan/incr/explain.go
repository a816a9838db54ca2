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
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/xlab/treeprint"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func nodeLabel(n *Node, nd *NodeDecision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s #%d", n.Kind, n.ID)
	if n.Name != "" {
		fmt.Fprintf(&sb, " %s", n.Name)
	}
	fmt.Fprintf(&sb, " [recv=%s mem=%d]", nd.Received, nd.Memory)
	return sb.String()
}

func sideLabel(n *Node, nd *NodeDecision, s Side) string {
	label := fmt.Sprintf("%s state=%s pull=%s", s, nd.State[s], nd.Pull[s])
	if n.StateExists[s] {
		label += fmt.Sprintf(" memory=%d", n.MemoryCost[s])
	}
	if n.Updated(s) {
		label += " updated"
	}
	return label
}

// Explain renders the tree with the retention state and pull action of every
// side in d.
func Explain(t *Tree, d *Decision) string {
	root := treeprint.NewWithRoot(fmt.Sprintf("cost=%g memory=%d", d.Cost, d.MemoryUsed(t)))
	var walk func(branch treeprint.Tree, id NodeID)
	walk = func(branch treeprint.Tree, id NodeID) {
		n := t.Node(id)
		nd := &d.Nodes[id]
		b := branch.AddBranch(nodeLabel(n, nd))
		for s := 0; s < n.Kind.NumSides(); s++ {
			walk(b.AddBranch(sideLabel(n, nd, Side(s))), n.Child(Side(s)))
		}
	}
	walk(root, t.Root())
	return root.String()
}

type explainNode struct {
	ID   NodeID `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	NodeDecision
}

type explainPlan struct {
	Cost   float64       `json:"cost"`
	Memory int           `json:"memory"`
	Nodes  []explainNode `json:"nodes"`
}

// MarshalDecision encodes d as JSON, one object per node in pre-order.
func MarshalDecision(t *Tree, d *Decision) ([]byte, error) {
	p := explainPlan{Cost: d.Cost, Memory: d.MemoryUsed(t)}
	for _, id := range t.PreOrder() {
		n := t.Node(id)
		p.Nodes = append(p.Nodes, explainNode{
			ID:           id,
			Kind:         n.Kind.String(),
			Name:         n.Name,
			NodeDecision: d.Nodes[id],
		})
	}
	return json.Marshal(p)
}
