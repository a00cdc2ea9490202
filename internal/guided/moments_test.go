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
	"errors"
	"math"
	"testing"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/plane"
)

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Covariance of channels a and b over the edge-replicated window around (x,y), in float64
func naiveCov(a, b *plane.Plane, x, y, window int) float64 {
	radius := window / 2
	var sa, sb, sab float64
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			xx, yy := clampIndex(x+dx, a.Width), clampIndex(y+dy, a.Height)
			va, vb := float64(a.At(xx, yy)), float64(b.At(xx, yy))
			sa += va
			sb += vb
			sab += va * vb
		}
	}
	n := float64(window * window)
	return sab/n - (sa/n)*(sb/n)
}

func TestMomentsMatchNaive(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 13, 11)
	const window = 5
	m, err := NewMoments(g, window, 0.01, 2)
	if err != nil {
		t.Fatal(err)
	}
	chans := g.chans()
	for p, cs := range pairChans {
		for y := 0; y < g.Height(); y++ {
			for x := 0; x < g.Width(); x++ {
				want := naiveCov(chans[cs[0]], chans[cs[1]], x, y, window)
				got := float64(m.Var[p].At(x, y))
				if math.Abs(got-want) > 1e-5 {
					t.Fatalf("var %v at (%d,%d)=%g; want %g", Pair(p), x, y, got, want)
				}
			}
		}
	}
	for c, ch := range chans {
		mean := m.Mean(c)
		want, _ := box.Filter(nil, ch, window, 1)
		assertClose(t, "mean", mean.Data, want.Data, 1e-5)
	}
}

func TestVarianceNonNegative(t *testing.T) {
	rng := fastrand.RNG{}
	for _, offset := range []float32{0, 1000} {
		g := randomGuide(&rng, 31, 17)
		for _, ch := range g.chans() {
			for i := range ch.Data {
				ch.Data[i] = offset + ch.Data[i]*1e-3
			}
		}
		for _, window := range []int{1, 3, 9} {
			m, err := NewMoments(g, window, 1e-4, 0)
			if err != nil {
				t.Fatal(err)
			}
			for _, p := range []Pair{RR, GG, BB} {
				for i, v := range m.Var[p].Data {
					if v < 0 {
						t.Fatalf("offset %g window %d: var %v[%d]=%g is negative", offset, window, p, i, v)
					}
				}
			}
		}
	}
}

func TestSigma(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 8, 6)
	const eps = 0.05
	m, err := NewMoments(g, 3, eps, 1)
	if err != nil {
		t.Fatal(err)
	}
	s := m.Sigma(3, 2)
	if want := float64(m.Var[GG].At(3, 2)) + eps; math.Abs(s.GG-want) > 1e-7 {
		t.Errorf("Sigma.GG=%g; want %g", s.GG, want)
	}
	if want := float64(m.Var[RB].At(3, 2)); s.RB != want {
		t.Errorf("Sigma.RB=%g; want %g", s.RB, want)
	}
	if s.Det() <= 0 {
		t.Errorf("regularized covariance has determinant %g", s.Det())
	}
	if m.Clamped != 0 {
		t.Errorf("Clamped=%d; want 0", m.Clamped)
	}
}

func TestFlatGuideMoments(t *testing.T) {
	m, err := NewMoments(flatGuide(7, 5, 100), 3, 0.01, 0)
	if err != nil {
		t.Fatal(err)
	}
	for c := 0; c < 3; c++ {
		if m.Offset[c] != 100 {
			t.Errorf("Offset[%d]=%g; want 100", c, m.Offset[c])
		}
	}
	for p := range m.Var {
		for i, v := range m.Var[p].Data {
			if v != 0 {
				t.Fatalf("var %v[%d]=%g; want 0", Pair(p), i, v)
			}
		}
	}
}

func TestMomentsErrors(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 4, 4)
	for _, eps := range []float32{0, -1, float32(math.NaN())} {
		if _, err := NewMoments(g, 3, eps, 0); !errors.Is(err, ErrEpsilon) {
			t.Errorf("eps=%g: err=%v; want ErrEpsilon", eps, err)
		}
	}
	if _, err := NewMoments(g, 4, 0.1, 0); !errors.Is(err, box.ErrWindow) {
		t.Errorf("window=4: err=%v; want ErrWindow", err)
	}
	bad := &Guide{R: g.R, G: g.G, B: plane.New(5, 4)}
	if _, err := NewMoments(bad, 3, 0.1, 0); !errors.Is(err, plane.ErrShapeMismatch) {
		t.Errorf("mismatched channels: err=%v; want ErrShapeMismatch", err)
	}
	if _, err := NewGuide(g.R, nil, g.B); !errors.Is(err, plane.ErrShapeMismatch) {
		t.Errorf("nil channel: err=%v; want ErrShapeMismatch", err)
	}
}

func TestGuideFromInterleaved(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	g, err := NewGuideFromInterleaved(data, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if g.R.Data[1] != 4 || g.G.Data[0] != 2 || g.B.Data[1] != 6 {
		t.Errorf("split guide R=%v G=%v B=%v", g.R.Data, g.G.Data, g.B.Data)
	}
	if _, err := NewGuideFromInterleaved(data, 3, 1); !errors.Is(err, plane.ErrDimension) {
		t.Errorf("short buffer: err=%v; want ErrDimension", err)
	}
}
