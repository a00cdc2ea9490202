// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package plane

import (
	"github.com/klauspost/cpuid"
)

// Number of pixels the channel splitter handles per batch
func SplitLanes() int {
	if cpuid.CPU.AVX2() {
		return 8
	}
	return 4
}

// Splits interleaved pixels into channel planes, using wider batches on AVX2 machines
func splitPixels(r, g, b, data []float32) {
	if cpuid.CPU.AVX2() {
		splitPixels8(r, g, b, data)
	} else {
		splitPixels4(r, g, b, data)
	}
}
