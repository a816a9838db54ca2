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

package main

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/matrixorigin/incstate/pkg/common/moerr"
	"github.com/matrixorigin/incstate/pkg/config"
	"github.com/matrixorigin/incstate/pkg/logutil"
	"github.com/matrixorigin/incstate/pkg/sql/plan/incr"
	"github.com/matrixorigin/incstate/pkg/sql/plan/incr/recycler"
	"github.com/matrixorigin/incstate/pkg/util/metric"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

type options struct {
	configPath string
	strategy   string
	round      int
	format     string
	explain    bool
	metrics    bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "mo-incplan",
		Short: "plan state retention for incremental queries",
		Long: `
  Decides which operator states of an incremental query are kept in memory
  between rounds, and which pull actions every operator issues.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "planner configuration file")
	_ = root.MarkPersistentFlagRequired("config")
	root.PersistentFlags().StringVar(&opts.strategy, "strategy", "", "override the configured strategy")

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "solve one round and print the decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd, opts)
		},
	}
	planCmd.Flags().IntVar(&opts.round, "round", 0, "round whose updates are applied, -1 for none")
	planCmd.Flags().StringVar(&opts.format, "format", "json", "output format: json or text")

	explainCmd := &cobra.Command{
		Use:   "explain",
		Short: "print the operator tree with the chosen states and pulls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.format = "text"
			return runPlan(cmd, opts)
		},
	}
	explainCmd.Flags().IntVar(&opts.round, "round", 0, "round whose updates are applied, -1 for none")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "plan the first round, then recycle states over the remaining rounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, opts)
		},
	}
	simulateCmd.Flags().BoolVar(&opts.explain, "explain", false, "print the tree after every round")
	simulateCmd.Flags().BoolVar(&opts.metrics, "metrics", false, "print the planner metrics after the last round")

	root.AddCommand(planCmd, explainCmd, simulateCmd)
	return root
}

type session struct {
	cfg      *config.Config
	tree     *incr.Tree
	budget   int
	unit     int64
	strategy incr.Strategy
	rootPull incr.PullAction
}

func openSession(ctx context.Context, opts *options) (*session, error) {
	cfg, err := config.Load(ctx, opts.configPath)
	if err != nil {
		return nil, err
	}
	logutil.SetupLogger(&cfg.Log)
	if opts.strategy != "" {
		cfg.Strategy = opts.strategy
	}

	s := &session{cfg: cfg}
	if s.tree, err = cfg.BuildTree(ctx); err != nil {
		return nil, err
	}
	if s.budget, err = cfg.Budget(ctx); err != nil {
		return nil, err
	}
	if s.unit, err = cfg.UnitBytes(ctx); err != nil {
		return nil, err
	}
	if s.strategy, err = cfg.StrategyValue(ctx); err != nil {
		return nil, err
	}
	if s.rootPull, err = cfg.RootPullAction(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) applyRound(ctx context.Context, i int) error {
	var pending []string
	if i >= 0 {
		var err error
		if pending, err = s.cfg.Pending(ctx, i); err != nil {
			return err
		}
	}
	bm, err := s.tree.PendingOf(ctx, pending...)
	if err != nil {
		return err
	}
	s.tree.ApplyRound(bm)
	return nil
}

func (s *session) humanMemory(n int) string {
	return units.BytesSize(float64(int64(n) * s.unit))
}

func runPlan(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	if opts.round >= 0 && len(s.cfg.Rounds) > 0 {
		if err = s.applyRound(ctx, opts.round); err != nil {
			return err
		}
	}
	plan, err := incr.FindBestPlan(ctx, s.tree, s.budget, s.rootPull, s.strategy)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch opts.format {
	case "json":
		data, err := incr.MarshalDecision(s.tree, plan.Decision)
		if err != nil {
			return err
		}
		_, err = out.Write(pretty.Pretty(data))
		return err
	case "text":
		fmt.Fprintf(out, "plan %s strategy=%s budget=%s\n", plan.ID, plan.Strategy, s.humanMemory(s.budget))
		fmt.Fprintln(out, incr.Explain(s.tree, plan.Decision))
		return nil
	}
	return moerr.NewInvalidInputf(ctx, "unknown output format %q", opts.format)
}

func runSimulate(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	if len(s.cfg.Rounds) == 0 {
		return moerr.NewInvalidInput(ctx, "simulate needs at least one round")
	}
	if err = s.applyRound(ctx, 0); err != nil {
		return err
	}
	plan, err := incr.FindBestPlan(ctx, s.tree, s.budget, s.rootPull, s.strategy)
	if err != nil {
		return err
	}
	r, err := recycler.InitializeRecycler(ctx, s.tree, s.budget, recycler.WithDecision(plan.Decision))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	report := func(round int, cost float64) {
		fmt.Fprintf(out, "round %d: memory=%s (%d units) cost=%g\n",
			round, s.humanMemory(r.MemoryUsed()), r.MemoryUsed(), cost)
		if opts.explain {
			fmt.Fprintln(out, incr.Explain(s.tree, r.Decision()))
		}
	}
	report(0, plan.Decision.Cost)

	for i := 1; i < len(s.cfg.Rounds); i++ {
		if err = s.applyRound(ctx, i); err != nil {
			return err
		}
		if err = r.RunRound(ctx, incr.PullDelta); err != nil {
			return err
		}
		cost, err := incr.Evaluate(ctx, s.tree, r.Decision(), incr.PullDelta)
		if err != nil {
			return err
		}
		report(i, cost)
	}
	if opts.metrics {
		return metric.Dump(out)
	}
	return nil
}
