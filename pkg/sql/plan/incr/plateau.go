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

// fillPlateau produces the same row as fillLinear while skipping memory
// amounts that sit on a plateau of the cost curve.
//
// Costs never increase with memory, so when the entries at start and
// start+step agree in both regimes, every amount in between agrees as well
// and, under the reuse rule of fillLinear, holds exactly the entry of start.
// Those cells are copied and the step doubles. Otherwise the step falls back
// to one.
func (b *tableBuilder) fillPlateau(n *Node) {
	budget := b.table.budget
	rows := [regimeCount][]Entry{
		b.table.entries[RegimeDelta][n.ID],
		b.table.entries[RegimeBatchDelta][n.ID],
	}

	for r := Regime(0); r < regimeCount; r++ {
		b.store(n, r, 0, b.evaluate(n, r, 0))
	}
	b.table.stats.Evaluated++

	start, step := 0, 1
	for start < budget {
		end := min(start+step, budget)
		far := [regimeCount]Entry{
			b.evaluate(n, RegimeDelta, end),
			b.evaluate(n, RegimeBatchDelta, end),
		}
		b.table.stats.Evaluated++

		if far[RegimeDelta].Cost == rows[RegimeDelta][start].Cost &&
			far[RegimeBatchDelta].Cost == rows[RegimeBatchDelta][start].Cost {
			for j := start + 1; j <= end; j++ {
				for r := range rows {
					rows[r][j] = rows[r][start]
				}
			}
			b.table.stats.Copied += end - start - 1
			start = end
			step *= 2
			continue
		}

		step = 1
		if end == start+1 {
			for r := Regime(0); r < regimeCount; r++ {
				b.store(n, r, end, far[r])
			}
		} else {
			for r := Regime(0); r < regimeCount; r++ {
				b.store(n, r, start+1, b.evaluate(n, r, start+1))
			}
			b.table.stats.Evaluated++
		}
		start++
	}
}
