// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
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
	"time"

	"github.com/google/uuid"
	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/matrixorigin/incstate/pkg/logutil"
	"github.com/matrixorigin/incstate/pkg/util/metric"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// Strategy selects how FindBestPlan searches for a retention decision.
type Strategy uint8

const (
	StrategyDP Strategy = iota
	StrategyPlateau
	StrategyBruteForce
	StrategySmallestFirst
	StrategyLargestFirst
	StrategyTopDown
	StrategyBottomUp

	strategyCount
)

var strategyNames = [...]string{
	StrategyDP:            "dp",
	StrategyPlateau:       "plateau",
	StrategyBruteForce:    "bruteforce",
	StrategySmallestFirst: "smallest-first",
	StrategyLargestFirst:  "largest-first",
	StrategyTopDown:       "top-down",
	StrategyBottomUp:      "bottom-up",
}

func (s Strategy) String() string {
	if s < strategyCount {
		return strategyNames[s]
	}
	return "unknown"
}

func ParseStrategy(ctx context.Context, s string) (Strategy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return StrategyDP, nil
	}
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return 0, moerr.NewBadConfigf(ctx, "unknown strategy %q", s)
}

// DefaultOptimizer is the optimizer which contains all of the default
// implementation rules.
var DefaultOptimizer = NewOptimizer()

// Optimizer is the entry point of the retention planner.
type Optimizer struct {
	implementationRuleMap map[Kind][]ImplementationRule
}

// NewOptimizer returns an optimizer with the default implementation rules.
func NewOptimizer() *Optimizer {
	return &Optimizer{
		implementationRuleMap: maps.Clone(defaultImplementationMap),
	}
}

// ResetImplementationRules replaces the rules of one node kind, and returns
// the optimizer.
func (opt *Optimizer) ResetImplementationRules(kind Kind, rules ...ImplementationRule) *Optimizer {
	opt.implementationRuleMap[kind] = rules
	return opt
}

// GetImplementationRules gets all the candidate implementation rules of the
// optimizer for the node kind.
func (opt *Optimizer) GetImplementationRules(kind Kind) []ImplementationRule {
	return opt.implementationRuleMap[kind]
}

// candidates lists the feasible candidates of n in regime r, produced by the
// first matching rule.
func (opt *Optimizer) candidates(ctx context.Context, t *Tree, n *Node, r Regime) ([]candidate, error) {
	for _, rule := range opt.implementationRuleMap[n.Kind] {
		if !rule.Match(t, n) {
			continue
		}
		cands, err := rule.OnImplement(ctx, n, r)
		if err != nil {
			return nil, err
		}
		return feasible(n, cands), nil
	}
	return nil, moerr.NewBadConfigf(ctx, "node %d (%s): no implementation rule for %s", n.ID, describe(n), n.Kind)
}

// Solve builds the cost table of t for every memory amount up to budget.
func (opt *Optimizer) Solve(ctx context.Context, t *Tree, budget int) (*Table, error) {
	return opt.buildCostTable(ctx, t, budget, false)
}

// SolvePlateau builds the same table as Solve, copying cells that lie on a
// plateau of the cost curve instead of evaluating them.
func (opt *Optimizer) SolvePlateau(ctx context.Context, t *Tree, budget int) (*Table, error) {
	return opt.buildCostTable(ctx, t, budget, true)
}

func Solve(ctx context.Context, t *Tree, budget int) (*Table, error) {
	return DefaultOptimizer.Solve(ctx, t, budget)
}

func SolvePlateau(ctx context.Context, t *Tree, budget int) (*Table, error) {
	return DefaultOptimizer.SolvePlateau(ctx, t, budget)
}

// Plan is the outcome of one FindBestPlan call.
type Plan struct {
	ID       uuid.UUID
	Strategy Strategy
	Budget   int
	RootPull PullAction
	Decision *Decision
	// Table is only set by the table based strategies.
	Table *Table
}

// FindBestPlan is the optimization entrance of the retention planner. The
// optimization is composed of 3 phases: validation, search and assignment.
//
// ------------------------------------------------------------------------------
// Phase 1: Validation
// ------------------------------------------------------------------------------
//
// The tree is checked for structural and cost consistency. Unknown kinds,
// merge joins and memory attributed to a missing state abort the compile
// here, naming the offending node.
//
// ------------------------------------------------------------------------------
// Phase 2: Search
// ------------------------------------------------------------------------------
//
// The table based strategies compute, for every node and every memory amount
// up to the budget, the cheapest retention strategy under both a delta and a
// full request. The exhaustive and greedy strategies instead search complete
// assignments priced by Evaluate.
//
// ------------------------------------------------------------------------------
// Phase 3: Assignment
// ------------------------------------------------------------------------------
//
// The winning root entry is propagated top-down, handing every child the
// memory share and pull action recorded by its parent. The result is the
// decision consumed by the execution engine.
func (opt *Optimizer) FindBestPlan(ctx context.Context, t *Tree, budget int, rootPull PullAction, strategy Strategy) (*Plan, error) {
	start := time.Now()
	plan := &Plan{
		ID:       uuid.New(),
		Strategy: strategy,
		Budget:   budget,
		RootPull: rootPull,
	}

	if err := opt.onPhaseValidation(ctx, t, budget, strategy); err != nil {
		return nil, err
	}

	var err error
	switch strategy {
	case StrategyDP, StrategyPlateau:
		plan.Table, err = opt.buildCostTable(ctx, t, budget, strategy == StrategyPlateau)
		if err == nil {
			plan.Decision, err = Assign(ctx, plan.Table, t.Root(), budget, rootPull)
		}
	case StrategyBruteForce:
		plan.Decision, err = opt.BruteForce(ctx, t, budget, rootPull)
	case StrategySmallestFirst:
		plan.Decision, err = opt.Greedy(ctx, t, budget, rootPull, SmallestFirst)
	case StrategyLargestFirst:
		plan.Decision, err = opt.Greedy(ctx, t, budget, rootPull, LargestFirst)
	case StrategyTopDown:
		plan.Decision, err = opt.Greedy(ctx, t, budget, rootPull, TopDown)
	case StrategyBottomUp:
		plan.Decision, err = opt.Greedy(ctx, t, budget, rootPull, BottomUp)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	metric.SolveDurationHistogram.WithLabelValues(strategy.String()).Observe(elapsed.Seconds())
	logutil.Info("retention plan found",
		logutil.OperationField("find-best-plan"),
		logutil.PlanField(plan.ID.String()),
		zap.String("strategy", strategy.String()),
		logutil.AnyField("root-pull", rootPull),
		zap.Int("budget", budget),
		zap.Int("memory-used", plan.Decision.MemoryUsed(t)),
		zap.Float64("cost", plan.Decision.Cost),
		logutil.DurationField(elapsed),
	)
	return plan, nil
}

// FindBestPlan runs the default optimizer.
func FindBestPlan(ctx context.Context, t *Tree, budget int, rootPull PullAction, strategy Strategy) (*Plan, error) {
	return DefaultOptimizer.FindBestPlan(ctx, t, budget, rootPull, strategy)
}

func (opt *Optimizer) onPhaseValidation(ctx context.Context, t *Tree, budget int, strategy Strategy) error {
	if strategy >= strategyCount {
		return moerr.NewInvalidInputf(ctx, "unknown strategy %d", strategy)
	}
	if budget < 0 {
		return moerr.NewInvalidInputf(ctx, "negative memory budget %d", budget)
	}
	return t.Validate(ctx)
}
