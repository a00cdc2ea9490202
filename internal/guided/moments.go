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

package guided

import (
	"fmt"
	"sync/atomic"

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/plane"
)

// Index of a channel pair in the variance and inverse plane arrays
type Pair int

const (
	RR Pair = iota
	RG
	RB
	GG
	GB
	BB
	numPairs
)

var pairNames = [numPairs]string{"RR", "RG", "RB", "GG", "GB", "BB"}

func (p Pair) String() string { return pairNames[p] }

// Channels forming each pair, in Pair order
var pairChans = [numPairs][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 1}, {1, 2}, {2, 2}}

// Guidance statistics which do not depend on the cost volume. Computed once
// per guidance image, window size and epsilon, then shared read-only by all
// disparity slices.
type Moments struct {
	Width, Height int
	Window        int
	Epsilon       float32

	// Global channel means subtracted from the guidance before forming products
	Offset [3]float32

	// Guidance channels minus Offset
	Centered [3]*plane.Plane

	// Local means of the centered channels
	Means [3]*plane.Plane

	// Local variances and covariances of the guidance channels, in Pair order
	Var [numPairs]*plane.Plane

	// Number of pixels whose determinant was floored at MinDeterminant
	Clamped int

	// Inverse of the regularized covariance matrix per pixel, in Pair order
	inv     [numPairs][]float64
	threads int
}

// Computes local means, variances and the regularized inverse covariance
// of the guidance image over a window x window neighbourhood
func NewMoments(g *Guide, window int, eps float32, threads int) (*Moments, error) {
	if !(eps > 0) {
		return nil, fmt.Errorf("%w: got %g", ErrEpsilon, eps)
	}
	if err := box.CheckWindow(window); err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: nil guidance", plane.ErrShapeMismatch)
	}
	if err := plane.CheckShapes(g.R, g.G, g.B); err != nil {
		return nil, fmt.Errorf("guidance channels: %w", err)
	}
	threads = plane.Threads(threads)
	bf, err := box.New(window, threads)
	if err != nil {
		return nil, err
	}
	ops := plane.Ops{Threads: threads}

	m := &Moments{
		Width:   g.Width(),
		Height:  g.Height(),
		Window:  window,
		Epsilon: eps,
		threads: threads,
	}

	for c, ch := range g.chans() {
		m.Offset[c] = globalMean(ch.Data)
		if m.Centered[c], err = ops.AddConst(nil, ch, -m.Offset[c]); err != nil {
			return nil, err
		}
		if m.Means[c], err = bf.Apply(nil, m.Centered[c]); err != nil {
			return nil, err
		}
	}

	// var_XY = mean_XY - mean_X * mean_Y
	prod, prodMean := plane.New(m.Width, m.Height), plane.New(m.Width, m.Height)
	for p, cs := range pairChans {
		if _, err := ops.Mul(prod, m.Centered[cs[0]], m.Centered[cs[1]]); err != nil {
			return nil, err
		}
		if _, err := bf.Apply(prodMean, prod); err != nil {
			return nil, err
		}
		v, err := ops.Mul(nil, m.Means[cs[0]], m.Means[cs[1]])
		if err != nil {
			return nil, err
		}
		if _, err := ops.Sub(v, prodMean, v); err != nil {
			return nil, err
		}
		if cs[0] == cs[1] {
			clampNonNegative(v.Data)
		}
		m.Var[p] = v
	}

	m.invert()
	return m, nil
}

// Mean of a slice, accumulated in float64
func globalMean(data []float32) float32 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += float64(v)
	}
	return float32(sum / float64(len(data)))
}

// Sets negative values to zero. Variances can dip below zero from float cancellation
func clampNonNegative(data []float32) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// Computes the regularized inverse covariance for every pixel and counts floored determinants
func (m *Moments) invert() {
	for p := range m.inv {
		m.inv[p] = make([]float64, m.Width*m.Height)
	}
	var clamped int64
	plane.ParallelFor(m.Width*m.Height, m.threads, func(lower, upper int) {
		local := 0
		for i := lower; i < upper; i++ {
			inv, cl := m.sigmaAt(i).Inverse()
			if cl {
				local++
			}
			m.inv[RR][i] = inv.RR
			m.inv[RG][i] = inv.RG
			m.inv[RB][i] = inv.RB
			m.inv[GG][i] = inv.GG
			m.inv[GB][i] = inv.GB
			m.inv[BB][i] = inv.BB
		}
		atomic.AddInt64(&clamped, int64(local))
	})
	m.Clamped = int(clamped)
}

func (m *Moments) sigmaAt(i int) Sym3 {
	eps := float64(m.Epsilon)
	return Sym3{
		RR: float64(m.Var[RR].Data[i]) + eps,
		RG: float64(m.Var[RG].Data[i]),
		RB: float64(m.Var[RB].Data[i]),
		GG: float64(m.Var[GG].Data[i]) + eps,
		GB: float64(m.Var[GB].Data[i]),
		BB: float64(m.Var[BB].Data[i]) + eps,
	}
}

// Returns the regularized covariance matrix of the guidance at pixel (x,y)
func (m *Moments) Sigma(x, y int) Sym3 {
	return m.sigmaAt(y*m.Width + x)
}

// Returns the local mean of guidance channel c in the original, uncentered frame
func (m *Moments) Mean(c int) *plane.Plane {
	res, _ := plane.AddConst(nil, m.Means[c], m.Offset[c])
	return res
}

func (m *Moments) String() string {
	return fmt.Sprintf("moments %dx%d window %d eps %g", m.Width, m.Height, m.Window, m.Epsilon)
}
