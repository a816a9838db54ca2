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

package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/matrixorigin/incstate/pkg/logutil"
	"github.com/matrixorigin/incstate/pkg/sql/plan/incr"
	"github.com/samber/lo"
)

var (
	defaultMemoryUnit = "1"
	defaultStrategy   = "dp"
	defaultRootPull   = "batch-delta"
)

// Memory is an amount of memory written either as a number of bytes or as a
// human readable size such as "64MiB".
type Memory struct {
	raw any
}

// NewMemory accepts the values TOML decodes memory into, an int64 or a
// size string. A plain int is stored as int64.
func NewMemory(raw any) Memory {
	if v, ok := raw.(int); ok {
		raw = int64(v)
	}
	return Memory{raw: raw}
}

// UnmarshalTOML implements toml.Unmarshaler.
func (m *Memory) UnmarshalTOML(v any) error {
	switch v.(type) {
	case int64, string:
		m.raw = v
		return nil
	}
	return moerr.NewBadConfigf(context.Background(), "memory must be an integer or a size string, got %T", v)
}

func (m Memory) IsZero() bool {
	return m.raw == nil
}

// Bytes resolves the amount in bytes.
func (m Memory) Bytes(ctx context.Context) (int64, error) {
	switch v := m.raw.(type) {
	case nil:
		return 0, nil
	case int64:
		if v < 0 {
			return 0, moerr.NewBadConfigf(ctx, "negative memory %d", v)
		}
		return v, nil
	case string:
		b, err := units.RAMInBytes(strings.TrimSpace(v))
		if err != nil {
			return 0, moerr.NewBadConfigf(ctx, "invalid memory %q: %v", v, err)
		}
		if b < 0 {
			return 0, moerr.NewBadConfigf(ctx, "negative memory %q", v)
		}
		return b, nil
	}
	return 0, moerr.NewBadConfigf(ctx, "invalid memory %v", m.raw)
}

func (m Memory) String() string {
	return fmt.Sprint(m.raw)
}

// NodeConfig describes one operator. Per-side arrays hold the left side
// first; unary nodes and scans only use the first entry.
type NodeConfig struct {
	Name        string    `toml:"name"`
	Kind        string    `toml:"kind"`
	Left        string    `toml:"left"`
	Right       string    `toml:"right"`
	ComputeCost float64   `toml:"compute-cost"`
	MemoryCost  []Memory  `toml:"memory-cost"`
	PrepareCost []float64 `toml:"prepare-cost"`
	DeltaCost   []float64 `toml:"delta-cost"`
	KeepCost    []float64 `toml:"keep-cost"`
	StateExists []bool    `toml:"state-exists"`
}

type RoundConfig struct {
	// Updates names the scans with pending delta rows in the round.
	Updates []string `toml:"updates"`
}

// Config is the planner configuration file.
type Config struct {
	MemoryBudget      Memory            `toml:"memory-budget"`
	MemoryUnit        Memory            `toml:"memory-unit"`
	Strategy          string            `toml:"strategy"`
	Root              string            `toml:"root"`
	RootPull          string            `toml:"root-pull"`
	SymmetricNestLoop bool              `toml:"symmetric-nest-loop"`
	Log               logutil.LogConfig `toml:"log"`
	Nodes             []NodeConfig      `toml:"node"`
	Rounds            []RoundConfig     `toml:"round"`
}

// Load reads and checks the configuration file at path.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, moerr.NewBadConfigf(ctx, "read %s: %v", path, err)
	}
	return Parse(ctx, string(data))
}

// Parse reads and checks a configuration held in memory.
func Parse(ctx context.Context, data string) (*Config, error) {
	c := &Config{}
	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, moerr.NewBadConfigf(ctx, "decode: %v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logutil.Warnf("ignoring unknown configuration keys %v", undecoded)
	}
	if err = c.validate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.MemoryUnit.IsZero() {
		c.MemoryUnit = NewMemory(defaultMemoryUnit)
	}
	if c.Strategy == "" {
		c.Strategy = defaultStrategy
	}
	if c.RootPull == "" {
		c.RootPull = defaultRootPull
	}
}

func (c *Config) validate(ctx context.Context) error {
	c.setDefaults()
	if c.Root == "" {
		return moerr.NewBadConfig(ctx, "missing root")
	}
	if len(c.Nodes) == 0 {
		return moerr.NewBadConfig(ctx, "no node defined")
	}
	if dups := lo.FindDuplicates(lo.Map(c.Nodes, func(n NodeConfig, _ int) string { return n.Name })); len(dups) > 0 {
		return moerr.NewBadConfigf(ctx, "duplicate node names %v", dups)
	}
	if _, err := c.StrategyValue(ctx); err != nil {
		return err
	}
	if _, err := c.RootPullAction(ctx); err != nil {
		return err
	}
	if _, err := c.Budget(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Config) unit(ctx context.Context) (int64, error) {
	unit, err := c.MemoryUnit.Bytes(ctx)
	if err != nil {
		return 0, err
	}
	if unit <= 0 {
		return 0, moerr.NewBadConfigf(ctx, "memory unit must be positive, got %s", c.MemoryUnit)
	}
	return unit, nil
}

// Budget is the memory budget in memory units, rounded down.
func (c *Config) Budget(ctx context.Context) (int, error) {
	unit, err := c.unit(ctx)
	if err != nil {
		return 0, err
	}
	b, err := c.MemoryBudget.Bytes(ctx)
	if err != nil {
		return 0, err
	}
	return int(b / unit), nil
}

// UnitBytes is the size of one memory unit in bytes.
func (c *Config) UnitBytes(ctx context.Context) (int64, error) {
	return c.unit(ctx)
}

func (c *Config) StrategyValue(ctx context.Context) (incr.Strategy, error) {
	return incr.ParseStrategy(ctx, c.Strategy)
}

func (c *Config) RootPullAction(ctx context.Context) (incr.PullAction, error) {
	p, ok := incr.ParsePullAction(strings.ToLower(strings.TrimSpace(c.RootPull)))
	if !ok || p == incr.PullNothing {
		return 0, moerr.NewBadConfigf(ctx, "invalid root pull action %q", c.RootPull)
	}
	return p, nil
}

// BuildTree turns the node list into a validated operator tree. Node ids
// follow the order of the file.
func (c *Config) BuildTree(ctx context.Context) (*incr.Tree, error) {
	unit, err := c.unit(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]incr.NodeID, len(c.Nodes))
	for i, nc := range c.Nodes {
		ids[nc.Name] = incr.NodeID(i)
	}
	child := func(nc *NodeConfig, name string) (incr.NodeID, error) {
		if name == "" {
			return incr.InvalidNodeID, nil
		}
		id, ok := ids[name]
		if !ok {
			return 0, moerr.NewBadConfigf(ctx, "node %s: unknown child %q", nc.Name, name)
		}
		return id, nil
	}

	tree := incr.NewTree()
	tree.SymmetricNestLoop = c.SymmetricNestLoop
	for i := range c.Nodes {
		nc := &c.Nodes[i]
		kind, ok := incr.ParseKind(nc.Kind)
		if !ok {
			return nil, moerr.NewBadConfigf(ctx, "node %d (%s): unrecognized node kind %q", i, nc.Name, nc.Kind)
		}
		n := incr.Node{Kind: kind, Name: nc.Name, ComputeCost: nc.ComputeCost}
		if n.Left, err = child(nc, nc.Left); err != nil {
			return nil, err
		}
		if n.Right, err = child(nc, nc.Right); err != nil {
			return nil, err
		}
		if err = nc.fillSides(ctx, &n, unit); err != nil {
			return nil, err
		}
		tree.AddNode(n)
	}

	root, ok := ids[c.Root]
	if !ok {
		return nil, moerr.NewBadConfigf(ctx, "unknown root %q", c.Root)
	}
	tree.SetRoot(root)
	if err = tree.Validate(ctx); err != nil {
		return nil, err
	}
	return tree, nil
}

func (nc *NodeConfig) fillSides(ctx context.Context, n *incr.Node, unit int64) error {
	for name, l := range map[string]int{
		"memory-cost":  len(nc.MemoryCost),
		"prepare-cost": len(nc.PrepareCost),
		"delta-cost":   len(nc.DeltaCost),
		"keep-cost":    len(nc.KeepCost),
		"state-exists": len(nc.StateExists),
	} {
		if l > 2 {
			return moerr.NewBadConfigf(ctx, "node %s: %s has %d entries", nc.Name, name, l)
		}
	}
	for i, m := range nc.MemoryCost {
		b, err := m.Bytes(ctx)
		if err != nil {
			return err
		}
		// a state occupies whole units
		n.MemoryCost[i] = int((b + unit - 1) / unit)
	}
	copy(n.PrepareCost[:], nc.PrepareCost)
	copy(n.DeltaCost[:], nc.DeltaCost)
	copy(n.KeepCost[:], nc.KeepCost)
	copy(n.StateExists[:], nc.StateExists)
	return nil
}

// Pending returns the scans updated in round i.
func (c *Config) Pending(ctx context.Context, i int) ([]string, error) {
	if i < 0 || i >= len(c.Rounds) {
		return nil, moerr.NewInvalidInputf(ctx, "round %d out of range [0, %d)", i, len(c.Rounds))
	}
	return c.Rounds[i].Updates, nil
}
