// Copyright 2023 Matrix Origin
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

package metric

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	registry = prometheus.NewRegistry()

	SolveDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mo",
			Subsystem: "incplan",
			Name:      "solve_duration_seconds",
			Help:      "Bucketed histogram of retention planning duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2.0, 20),
		}, []string{"strategy"})

	CostTableCellCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "incplan",
			Name:      "cost_table_cells_total",
			Help:      "Number of cost table cells filled, by how they were filled.",
		}, []string{"type"})
	CostTableEvaluatedCounter = CostTableCellCounter.WithLabelValues("evaluated")
	CostTableCopiedCounter    = CostTableCellCounter.WithLabelValues("copied")

	RecyclerRoundCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "incplan",
			Name:      "recycler_rounds_total",
			Help:      "Number of recycler rounds executed.",
		})

	RecyclerSlotCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "incplan",
			Name:      "recycler_slot_changes_total",
			Help:      "Number of recycler slot transitions, by transition type.",
		}, []string{"type"})
	RecyclerAdmitCounter      = RecyclerSlotCounter.WithLabelValues("admit")
	RecyclerEvictCounter      = RecyclerSlotCounter.WithLabelValues("evict")
	RecyclerDisplaceCounter   = RecyclerSlotCounter.WithLabelValues("displace")
	RecyclerInvalidateCounter = RecyclerSlotCounter.WithLabelValues("invalidate")

	RecyclerAdmittedMemoryGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "incplan",
			Name:      "recycler_admitted_memory",
			Help:      "Memory units admitted by the recycler after the last round.",
		})
)

func init() {
	registry.MustRegister(
		SolveDurationHistogram,
		CostTableCellCounter,
		RecyclerRoundCounter,
		RecyclerSlotCounter,
		RecyclerAdmittedMemoryGauge,
	)
}

// Registry exposes the collectors of this process.
func Registry() *prometheus.Registry {
	return registry
}

// Dump writes every collector of Registry in the text exposition format.
func Dump(w io.Writer) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err = expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
