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
	"errors"
	"testing"

	"github.com/valyala/fastrand"
)

func TestSplitRoundTrip(t *testing.T) {
	rng := fastrand.RNG{}
	// widths around the batch sizes, plus one large enough for the parallel path
	for _, width := range []int{1, 3, 4, 5, 7, 8, 9, 15, 16, 17, 257} {
		height := 3 + width%5
		if width == 257 {
			height = 200
		}
		data := make([]float32, 3*width*height)
		for i := range data {
			data[i] = float32(rng.Uint32())
		}

		r, g, b, err := Split(data, width, height)
		if err != nil {
			t.Fatalf("width=%d: %v", width, err)
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				i := y*width + x
				if r.At(x, y) != data[i*3] || g.At(x, y) != data[i*3+1] || b.At(x, y) != data[i*3+2] {
					t.Fatalf("width=%d pixel (%d,%d)=(%f,%f,%f); want (%f,%f,%f)", width, x, y,
						r.At(x, y), g.At(x, y), b.At(x, y), data[i*3], data[i*3+1], data[i*3+2])
				}
			}
		}

		back, err := Interleave(r, g, b)
		if err != nil {
			t.Fatalf("width=%d interleave: %v", width, err)
		}
		for i := range data {
			if back[i] != data[i] {
				t.Fatalf("width=%d round trip [%d]=%f; want %f", width, i, back[i], data[i])
			}
		}
	}
}

func TestSplitDimensionError(t *testing.T) {
	if _, _, _, err := Split(make([]float32, 10), 2, 2); !errors.Is(err, ErrDimension) {
		t.Errorf("err=%v; want ErrDimension", err)
	}
	if _, _, _, err := Split(nil, 0, 5); !errors.Is(err, ErrDimension) {
		t.Errorf("err=%v; want ErrDimension", err)
	}
}

func TestSplitLanes(t *testing.T) {
	if l := SplitLanes(); l != 4 && l != 8 {
		t.Errorf("SplitLanes()=%d; want 4 or 8", l)
	}
}

func TestParallelForCoversRange(t *testing.T) {
	for _, n := range []int{1, 2, 17, 1000} {
		for _, threads := range []int{0, 1, 3} {
			hits := make([]int32, n)
			ParallelFor(n, threads, func(lower, upper int) {
				for i := lower; i < upper; i++ {
					hits[i]++
				}
			})
			for i, h := range hits {
				if h != 1 {
					t.Errorf("n=%d threads=%d hits[%d]=%d; want 1", n, threads, i, h)
				}
			}
		}
	}
}
