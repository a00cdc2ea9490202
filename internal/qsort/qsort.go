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

// Package qsort provides in-place sorting and selection on float32 slices.
// Slices must not contain IEEE NaN.
package qsort

// Sort an array of float32 in ascending order
func QSortFloat32(a []float32) {
	for len(a) > 1 {
		index := QPartitionFloat32(a)
		// recurse into the smaller half, loop on the larger
		if index+1 < len(a)-index-1 {
			QSortFloat32(a[:index+1])
			a = a[index+1:]
		} else {
			QSortFloat32(a[index+1:])
			a = a[:index+1]
		}
	}
}

// Partitions an array of float32 with the middle pivot element, and returns the split index.
// Values in a[:index+1] are less or equal, values in a[index+1:] greater or equal to the pivot
func QPartitionFloat32(a []float32) int {
	left, right := 0, len(a)-1
	pivot := a[(left+right)>>1]
	l, r := left-1, right+1
	for {
		for {
			l++
			if a[l] >= pivot {
				break
			}
		}
		for {
			r--
			if a[r] <= pivot {
				break
			}
		}
		if l >= r {
			return r
		}
		a[l], a[r] = a[r], a[l]
	}
}

// Select kth lowest element from an array of float32, with k counting from 1. Partially reorders the array
func QSelectFloat32(a []float32, k int) float32 {
	return a[qselect(a, k)]
}

// Moves the kth lowest element to index k-1, with all lower indices holding values less or equal. Returns k-1
func qselect(a []float32, k int) int {
	left, right := 0, len(a)-1
	for left < right {
		index := left + QPartitionFloat32(a[left:right+1])
		offset := index - left + 1
		if k <= offset {
			right = index
		} else {
			left = index + 1
			k -= offset
		}
	}
	return left
}

// Select first quartile of an array of float32. Partially reorders the array
func QSelectFirstQuartileFloat32(a []float32) float32 {
	return QSelectFloat32(a, (len(a)>>2)+1)
}

// Select median of an array of float32, averaging the two central elements
// for even lengths. Partially reorders the array
func QSelectMedianFloat32(a []float32) float32 {
	n := len(a)
	if n == 0 {
		return 0
	}
	idx := qselect(a, (n>>1)+1)
	if n&1 != 0 {
		return a[idx]
	}
	lower := a[0]
	for _, v := range a[1:idx] {
		if v > lower {
			lower = v
		}
	}
	return 0.5 * (lower + a[idx])
}
