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
	"math"
	"testing"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/plane"
)

// Uniform random values in [lo,hi)
func randomPlane(rng *fastrand.RNG, width, height int, lo, hi float32) *plane.Plane {
	p := plane.New(width, height)
	for i := range p.Data {
		p.Data[i] = lo + (hi-lo)*float32(rng.Uint32n(1<<20))/(1<<20)
	}
	return p
}

func randomGuide(rng *fastrand.RNG, width, height int) *Guide {
	return &Guide{
		R: randomPlane(rng, width, height, 0, 1),
		G: randomPlane(rng, width, height, 0, 1),
		B: randomPlane(rng, width, height, 0, 1),
	}
}

func randomVolume(rng *fastrand.RNG, width, height, depth int) *plane.Volume {
	v := plane.NewVolume(width, height, depth)
	for i := range v.Data {
		v.Data[i] = float32(rng.Uint32n(1<<20)) / (1 << 18)
	}
	return v
}

func flatGuide(width, height int, v float32) *Guide {
	g := &Guide{R: plane.New(width, height), G: plane.New(width, height), B: plane.New(width, height)}
	for _, ch := range g.chans() {
		ch.Fill(v)
	}
	return g
}

func doubleBox(t *testing.T, p *plane.Plane, window int) *plane.Plane {
	t.Helper()
	once, err := box.Filter(nil, p, window, 1)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := box.Filter(nil, once, window, 1)
	if err != nil {
		t.Fatal(err)
	}
	return twice
}

func assertClose(t *testing.T, name string, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d; want %d", name, len(got), len(want))
	}
	for i := range got {
		if d := math.Abs(float64(got[i] - want[i])); !(d <= tol) {
			t.Fatalf("%s[%d]=%g; want %g (diff %g > %g)", name, i, got[i], want[i], d, tol)
		}
	}
}
