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

// UpdateMark is used to mark which sides of a node receive changed rows
// in the current round.
type UpdateMark uint8

// SetUpdated sets the bit of side.
func (m *UpdateMark) SetUpdated(side Side) {
	*m |= 1 << side
}

// SetUnchanged unsets the bit of side.
func (m *UpdateMark) SetUnchanged(side Side) {
	*m &= ^(1 << side)
}

// Updated returns whether the bit of side has been set.
func (m UpdateMark) Updated(side Side) bool {
	return m&(1<<side) != 0
}

func (m UpdateMark) Any() bool {
	return m != 0
}

func (m *UpdateMark) Reset() {
	*m = 0
}
