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
	"math"

	"github.com/mlnoga/guidedcost/internal/plane"
)

// Smallest determinant magnitude used when inverting a covariance matrix
const MinDeterminant = 1e-30

// A symmetric 3x3 matrix
type Sym3 struct {
	RR, RG, RB float64
	GG, GB     float64
	BB         float64
}

// Returns the determinant
func (s Sym3) Det() float64 {
	return s.RR*(s.GG*s.BB-s.GB*s.GB) + s.RG*(s.RB*s.GB-s.RG*s.BB) + s.RB*(s.RG*s.GB-s.RB*s.GG)
}

// Returns the product with the column vector v
func (s Sym3) MulVec(v [3]float64) [3]float64 {
	return [3]float64{
		s.RR*v[0] + s.RG*v[1] + s.RB*v[2],
		s.RG*v[0] + s.GG*v[1] + s.GB*v[2],
		s.RB*v[0] + s.GB*v[1] + s.BB*v[2],
	}
}

// Returns the inverse via the adjugate. A determinant smaller in magnitude
// than MinDeterminant is replaced by MinDeterminant with the same sign,
// and clamped is set
func (s Sym3) Inverse() (inv Sym3, clamped bool) {
	cRR := s.GG*s.BB - s.GB*s.GB
	cRG := s.RB*s.GB - s.RG*s.BB
	cRB := s.RG*s.GB - s.RB*s.GG
	det := s.RR*cRR + s.RG*cRG + s.RB*cRB
	if math.Abs(det) < MinDeterminant {
		clamped = true
		if det < 0 {
			det = -MinDeterminant
		} else {
			det = MinDeterminant
		}
	}
	invDet := 1 / det
	return Sym3{
		RR: cRR * invDet,
		RG: cRG * invDet,
		RB: cRB * invDet,
		GG: (s.RR*s.BB - s.RB*s.RB) * invDet,
		GB: (s.RG*s.RB - s.RR*s.GB) * invDet,
		BB: (s.RR*s.GG - s.RG*s.RG) * invDet,
	}, clamped
}

// Solves s*a = c for a
func Solve3(s Sym3, c [3]float64) (a [3]float64, clamped bool) {
	inv, clamped := s.Inverse()
	return inv.MulVec(c), clamped
}

// Linear coefficients for one disparity slice: cost ~ A[0]*R + A[1]*G + A[2]*B + B
type CoeffSlice struct {
	A [3]*plane.Plane
	B *plane.Plane
}

func newCoeffSlice(width, height int) *CoeffSlice {
	return &CoeffSlice{
		A: [3]*plane.Plane{plane.New(width, height), plane.New(width, height), plane.New(width, height)},
		B: plane.New(width, height),
	}
}

func (c *CoeffSlice) planes() []*plane.Plane {
	return []*plane.Plane{c.A[0], c.A[1], c.A[2], c.B}
}

// Linear coefficients for a whole cost volume, in the uncentered guidance frame
type Coefficients struct {
	AR, AG, AB, B *plane.Volume
}

func newCoefficients(width, height, depth int) *Coefficients {
	return &Coefficients{
		AR: plane.NewVolume(width, height, depth),
		AG: plane.NewVolume(width, height, depth),
		AB: plane.NewVolume(width, height, depth),
		B:  plane.NewVolume(width, height, depth),
	}
}

// Returns views of slice d
func (c *Coefficients) Slice(d int) *CoeffSlice {
	return &CoeffSlice{
		A: [3]*plane.Plane{c.AR.Slice(d), c.AG.Slice(d), c.AB.Slice(d)},
		B: c.B.Slice(d),
	}
}

func (c *Coefficients) Depth() int { return c.B.Depth }

// Fits the per-pixel linear coefficients for one slice from its cross
// statistics. B is expressed relative to the centered guidance
func (m *Moments) SolveSlice(cs *CrossSlice, out *CoeffSlice) error {
	if err := m.checkSlice(append([]*plane.Plane{cs.MeanP, cs.Cov[0], cs.Cov[1], cs.Cov[2]}, out.planes()...)...); err != nil {
		return err
	}
	m.solve(cs, out, m.threads)
	return nil
}

func (m *Moments) solve(cs *CrossSlice, out *CoeffSlice, threads int) {
	plane.ParallelFor(m.Width*m.Height, threads, func(lower, upper int) {
		m.solveRange(cs, out, lower, upper)
	})
}

func (m *Moments) solveRange(cs *CrossSlice, out *CoeffSlice, lower, upper int) {
	for i := lower; i < upper; i++ {
		inv := Sym3{
			RR: m.inv[RR][i],
			RG: m.inv[RG][i],
			RB: m.inv[RB][i],
			GG: m.inv[GG][i],
			GB: m.inv[GB][i],
			BB: m.inv[BB][i],
		}
		a := inv.MulVec([3]float64{float64(cs.Cov[0].Data[i]), float64(cs.Cov[1].Data[i]), float64(cs.Cov[2].Data[i])})
		b := float64(cs.MeanP.Data[i])
		for c := 0; c < 3; c++ {
			out.A[c].Data[i] = float32(a[c])
			b -= a[c] * float64(m.Means[c].Data[i])
		}
		out.B.Data[i] = float32(b)
	}
}

// Converts B between the centered and the original guidance frame. sign -1
// uncenters, +1 centers
func (m *Moments) shiftOffset(s *CoeffSlice, sign float32, threads int) {
	plane.ParallelFor(m.Width*m.Height, threads, func(lower, upper int) {
		for i := lower; i < upper; i++ {
			shift := s.A[0].Data[i]*m.Offset[0] + s.A[1].Data[i]*m.Offset[1] + s.A[2].Data[i]*m.Offset[2]
			s.B.Data[i] += sign * shift
		}
	})
}

// Fits the linear coefficients for every slice of a volume
func Solve(m *Moments, cs *CrossStats) (*Coefficients, error) {
	if err := plane.CheckVolumeShapes(cs.MeanP, cs.Cov[0], cs.Cov[1], cs.Cov[2]); err != nil {
		return nil, err
	}
	res := newCoefficients(m.Width, m.Height, cs.MeanP.Depth)
	for d := 0; d < cs.MeanP.Depth; d++ {
		s := res.Slice(d)
		if err := m.SolveSlice(cs.Slice(d), s); err != nil {
			return nil, fmt.Errorf("slice %d: %w", d, err)
		}
		m.shiftOffset(s, -1, m.threads)
	}
	return res, nil
}

// Checks that all planes match the guidance dimensions
func (m *Moments) checkSlice(ps ...*plane.Plane) error {
	for _, p := range ps {
		if p == nil {
			return fmt.Errorf("%w: nil plane", plane.ErrShapeMismatch)
		}
		if p.Width != m.Width || p.Height != m.Height || len(p.Data) != m.Width*m.Height {
			return fmt.Errorf("%w: plane %v vs guidance %dx%d", plane.ErrShapeMismatch, p, m.Width, m.Height)
		}
	}
	return nil
}
