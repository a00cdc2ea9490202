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

// Package synth generates synthetic stereo scenes: a piecewise constant
// guidance image with sharp region edges, the true disparity of every pixel,
// and a noisy matching cost volume consistent with it.
package synth

import (
	"errors"
	"fmt"
	"math"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/guidedcost/internal/guided"
	"github.com/mlnoga/guidedcost/internal/plane"
)

// Scene parameters are out of range
var ErrParams = errors.New("invalid scene parameters")

// A synthetic scene
type Scene struct {
	Guide *guided.Guide
	Truth []int32       // True disparity per pixel, row-major
	Ideal *plane.Volume // Noise-free cost, |d-truth|/depth
	Cost  *plane.Volume // Ideal cost plus uniform noise
}

// Scene generator settings
type Params struct {
	Width, Height, Depth int
	Regions              int     // Number of rectangular regions drawn over the background
	Noise                float32 // Amplitude of uniform cost noise
	Seed                 uint32  // Random seed, equal non-zero seeds give equal scenes. 0 seeds from the clock
}

func (p Params) String() string {
	return fmt.Sprintf("%dx%dx%d with %d regions, noise %g, seed %d", p.Width, p.Height, p.Depth, p.Regions, p.Noise, p.Seed)
}

// Generates a scene for the given parameters
func New(p Params) (*Scene, error) {
	if p.Width <= 0 || p.Height <= 0 || p.Depth <= 0 || p.Regions < 0 || p.Noise < 0 {
		return nil, fmt.Errorf("%w: %v", ErrParams, p)
	}
	var rng fastrand.RNG
	rng.Seed(p.Seed)

	size := p.Width * p.Height
	r, g, b := plane.New(p.Width, p.Height), plane.New(p.Width, p.Height), plane.New(p.Width, p.Height)
	truth := make([]int32, size)

	// background, then rectangles painted on top
	fillRect(r, g, b, truth, 0, 0, p.Width, p.Height, randomColor(&rng), int32(rng.Uint32n(uint32(p.Depth))))
	for i := 0; i < p.Regions; i++ {
		x0, y0 := int(rng.Uint32n(uint32(p.Width))), int(rng.Uint32n(uint32(p.Height)))
		x1 := x0 + 1 + int(rng.Uint32n(uint32(p.Width-x0)))
		y1 := y0 + 1 + int(rng.Uint32n(uint32(p.Height-y0)))
		fillRect(r, g, b, truth, x0, y0, x1, y1, randomColor(&rng), int32(rng.Uint32n(uint32(p.Depth))))
	}

	ideal := plane.NewVolume(p.Width, p.Height, p.Depth)
	cost := plane.NewVolume(p.Width, p.Height, p.Depth)
	for d := 0; d < p.Depth; d++ {
		is, cs := ideal.Slice(d).Data, cost.Slice(d).Data
		for i, t := range truth {
			is[i] = float32(math.Abs(float64(int32(d)-t))) / float32(p.Depth)
			cs[i] = is[i] + p.Noise*uniform(&rng)
		}
	}

	guide, err := guided.NewGuide(r, g, b)
	if err != nil {
		return nil, err
	}
	return &Scene{Guide: guide, Truth: truth, Ideal: ideal, Cost: cost}, nil
}

// Uniform random value in [0,1)
func uniform(rng *fastrand.RNG) float32 {
	return float32(rng.Uint32()>>8) / (1 << 24)
}

func randomColor(rng *fastrand.RNG) [3]float32 {
	return [3]float32{uniform(rng), uniform(rng), uniform(rng)}
}

func fillRect(r, g, b *plane.Plane, truth []int32, x0, y0, x1, y1 int, color [3]float32, disparity int32) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			i := y*r.Width + x
			r.Data[i], g.Data[i], b.Data[i] = color[0], color[1], color[2]
			truth[i] = disparity
		}
	}
}

// Returns the disparity of minimum cost for every pixel. Ties pick the smaller disparity
func WinnerTakesAll(cost *plane.Volume) []int32 {
	size := cost.Width * cost.Height
	best := make([]int32, size)
	bestCost := append([]float32(nil), cost.Slice(0).Data...)
	for d := 1; d < cost.Depth; d++ {
		for i, v := range cost.Slice(d).Data {
			if v < bestCost[i] {
				bestCost[i], best[i] = v, int32(d)
			}
		}
	}
	return best
}

// Fraction of pixels whose disparity differs from the truth by more than tolerance
func ErrorRate(disparity, truth []int32, tolerance int32) float32 {
	if len(truth) == 0 {
		return 0
	}
	bad := 0
	for i, t := range truth {
		diff := disparity[i] - t
		if diff < -tolerance || diff > tolerance {
			bad++
		}
	}
	return float32(bad) / float32(len(truth))
}
