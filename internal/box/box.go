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

// Package box implements the box filter, an unweighted mean over a square
// window centered on each pixel. Reads outside the plane are clamped to the
// nearest edge pixel, so every output position is written. Each output costs
// a constant number of additions regardless of window size: a horizontal pass
// keeps a running sum per row, a vertical pass keeps a row of running column sums.
package box

import (
	"errors"
	"fmt"

	"github.com/mlnoga/guidedcost/internal/plane"
)

// Window size used unless configured otherwise
const DefaultWindow = 9

var (
	// Window size is even or not positive
	ErrWindow = errors.New("window size must be odd and positive")

	// Destination shares its data with the source
	ErrAlias = errors.New("destination aliases source")
)

// Checks that the window size is odd and positive
func CheckWindow(window int) error {
	if window < 1 || window&1 == 0 {
		return fmt.Errorf("%w: got %d", ErrWindow, window)
	}
	return nil
}

// A box filter with reusable scratch memory. Not safe for concurrent use;
// give each goroutine its own Box
type Box struct {
	Window  int // odd window edge length in pixels
	Threads int // maximum concurrent batches, 0 for all CPUs
	sums    []float64
}

// Creates a box filter for the given window size and thread limit
func New(window, threads int) (*Box, error) {
	if err := CheckWindow(window); err != nil {
		return nil, err
	}
	return &Box{Window: window, Threads: threads}, nil
}

// Box filters src into dst, allocating dst if nil
func Filter(dst, src *plane.Plane, window, threads int) (*plane.Plane, error) {
	b, err := New(window, threads)
	if err != nil {
		return nil, err
	}
	return b.Apply(dst, src)
}

// Box filters each disparity slice of src into dst, allocating dst if nil
func FilterVolume(dst, src *plane.Volume, window, threads int) (*plane.Volume, error) {
	b, err := New(window, threads)
	if err != nil {
		return nil, err
	}
	return b.ApplyVolume(dst, src)
}

// Box filters src into dst, allocating dst if nil. dst must not alias src
func (b *Box) Apply(dst, src *plane.Plane) (*plane.Plane, error) {
	if err := CheckWindow(b.Window); err != nil {
		return nil, err
	}
	if err := plane.CheckShapes(src); err != nil {
		return nil, err
	}
	if dst == nil {
		dst = plane.New(src.Width, src.Height)
	} else if err := plane.CheckShapes(src, dst); err != nil {
		return nil, err
	}
	if len(src.Data) > 0 && &dst.Data[0] == &src.Data[0] {
		return nil, ErrAlias
	}
	b.apply(dst.Data, src.Data, src.Width, src.Height)
	return dst, nil
}

// Box filters each disparity slice of src into dst, allocating dst if nil
func (b *Box) ApplyVolume(dst, src *plane.Volume) (*plane.Volume, error) {
	if err := CheckWindow(b.Window); err != nil {
		return nil, err
	}
	if err := plane.CheckVolumeShapes(src); err != nil {
		return nil, err
	}
	if dst == nil {
		dst = plane.NewVolume(src.Width, src.Height, src.Depth)
	} else if err := plane.CheckVolumeShapes(src, dst); err != nil {
		return nil, err
	}
	if len(src.Data) > 0 && &dst.Data[0] == &src.Data[0] {
		return nil, ErrAlias
	}
	for d := 0; d < src.Depth; d++ {
		b.apply(dst.Slice(d).Data, src.Slice(d).Data, src.Width, src.Height)
	}
	return dst, nil
}

func (b *Box) apply(dst, src []float32, width, height int) {
	if cap(b.sums) < len(src) {
		b.sums = make([]float64, len(src))
	}
	sums := b.sums[:len(src)]
	radius := b.Window / 2
	area := float64(b.Window * b.Window)

	plane.ParallelFor(height, b.Threads, func(lower, upper int) {
		for y := lower; y < upper; y++ {
			sumRow(sums[y*width:(y+1)*width], src[y*width:(y+1)*width], radius)
		}
	})
	plane.ParallelFor(width, b.Threads, func(lower, upper int) {
		sumColumns(dst, sums, width, height, lower, upper, radius, area)
	})
}

// Writes the horizontal window sum of each pixel in a row into dst
func sumRow(dst []float64, src []float32, radius int) {
	last := len(src) - 1
	sum := float64(0)
	for i := -radius; i <= radius; i++ {
		sum += float64(src[clamp(i, last)])
	}
	for x := range dst {
		dst[x] = sum
		in, out := x+radius+1, x-radius
		if in > last {
			in = last
		}
		if out < 0 {
			out = 0
		}
		sum += float64(src[in]) - float64(src[out])
	}
}

// Sums the row sums vertically over the window for columns [lower,upper),
// and writes the window means into dst
func sumColumns(dst []float32, sums []float64, width, height, lower, upper, radius int, area float64) {
	last := height - 1
	acc := make([]float64, upper-lower)
	for i := -radius; i <= radius; i++ {
		row := sums[clamp(i, last)*width:]
		for x := range acc {
			acc[x] += row[lower+x]
		}
	}
	for y := 0; y < height; y++ {
		out := dst[y*width+lower : y*width+upper]
		inRow, outRow := y+radius+1, y-radius
		if inRow > last {
			inRow = last
		}
		if outRow < 0 {
			outRow = 0
		}
		entering, leaving := sums[inRow*width+lower:], sums[outRow*width+lower:]
		for x := range out {
			out[x] = float32(acc[x] / area)
			acc[x] += entering[x] - leaving[x]
		}
	}
}

// Clamps i to [0,last]
func clamp(i, last int) int {
	if i < 0 {
		return 0
	}
	if i > last {
		return last
	}
	return i
}
