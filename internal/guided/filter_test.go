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
	"context"
	"errors"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/guidedcost/internal/plane"
)

func newTestFilter(window int, eps float32, threads int) *Filter {
	f := NewFilter(window, eps)
	f.MaxThreads = threads
	return f
}

func TestFlatGuideEqualsDoubleBox(t *testing.T) {
	rng := fastrand.RNG{}
	cost := randomVolume(&rng, 11, 9, 4)
	for _, window := range []int{1, 3, 5} {
		f := newTestFilter(window, 0.01, 2)
		got, err := f.Apply(context.Background(), flatGuide(11, 9, 0.25), cost)
		if err != nil {
			t.Fatal(err)
		}
		for d := 0; d < cost.Depth; d++ {
			want := doubleBox(t, cost.Slice(d), window)
			assertClose(t, "filtered", got.Slice(d).Data, want.Data, 1e-5)
		}
	}
}

func TestHotPixel(t *testing.T) {
	g := flatGuide(4, 4, 100)
	cost := plane.NewVolume(4, 4, 1)
	cost.Set(1, 1, 0, 5)

	f := newTestFilter(3, 0.01, 0)
	got, err := f.Apply(context.Background(), g, cost)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.Data {
		if !(v > 0 && v < 5) {
			t.Errorf("out[%d]=%g; want in (0,5)", i, v)
		}
	}
	if v := got.At(1, 1, 0); v >= 5 || v < 0.3 {
		t.Errorf("out(1,1)=%g; want a spread peak", v)
	}
	want := doubleBox(t, cost.Slice(0), 3)
	assertClose(t, "hot pixel", got.Data, want.Data, 1e-6)

	m, err := f.Prepare(g)
	if err != nil {
		t.Fatal(err)
	}
	c, err := f.Coefficients(context.Background(), m, cost)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range []*plane.Volume{c.AR, c.AG, c.AB} {
		for i, v := range a.Data {
			if math.Abs(float64(v)) > 1e-6 {
				t.Fatalf("a[%d]=%g; want 0", i, v)
			}
		}
	}
	if v := c.B.At(1, 1, 0); math.Abs(float64(v)-5.0/9) > 1e-6 {
		t.Errorf("b(1,1)=%g; want %g", v, 5.0/9)
	}
	if v := c.B.At(3, 3, 0); math.Abs(float64(v)) > 1e-6 {
		t.Errorf("b(3,3)=%g; want 0", v)
	}
}

func TestEdgePreserving(t *testing.T) {
	const w, h, window = 16, 8, 5
	g := flatGuide(w, h, 0)
	cost := plane.NewVolume(w, h, 2)
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			for _, ch := range g.chans() {
				ch.Set(x, y, 1)
			}
		}
		for x := 0; x < w; x++ {
			cost.Set(x, y, 0, g.R.At(x, y))
			cost.Set(x, y, 1, 1-g.R.At(x, y))
		}
	}

	f := newTestFilter(window, 1e-4, 0)
	got, err := f.Apply(context.Background(), g, cost)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "guided step", got.Data, cost.Data, 0.05)

	blurred := doubleBox(t, cost.Slice(0), window)
	if v := blurred.At(w/2-1, 0); v < 0.2 {
		t.Fatalf("box filtered step at edge=%g; expected a blurred edge", v)
	}
}

func TestStagedMatchesStreaming(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 19, 13)
	cost := randomVolume(&rng, 19, 13, 5)

	f := newTestFilter(5, 1e-3, 3)
	streamed, err := f.Apply(context.Background(), g, cost)
	if err != nil {
		t.Fatal(err)
	}
	f.Staged = true
	staged, err := f.Apply(context.Background(), g, cost)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "staged", staged.Data, streamed.Data, 1e-3)

	m, err := f.Prepare(g)
	if err != nil {
		t.Fatal(err)
	}
	c, err := f.Coefficients(context.Background(), m, cost)
	if err != nil {
		t.Fatal(err)
	}
	smooth, err := Smooth(c, f.Window, 1)
	if err != nil {
		t.Fatal(err)
	}
	rebuilt, err := Reconstruct(m, smooth)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "reconstructed", rebuilt.Data, streamed.Data, 1e-3)
}

func TestThreadCountsAgree(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 23, 17)
	cost := randomVolume(&rng, 23, 17, 6)

	want, err := newTestFilter(3, 1e-2, 1).Apply(context.Background(), g, cost)
	if err != nil {
		t.Fatal(err)
	}
	for _, threads := range []int{2, 4, 16} {
		got, err := newTestFilter(3, 1e-2, threads).Apply(context.Background(), g, cost)
		if err != nil {
			t.Fatal(err)
		}
		assertClose(t, "threads", got.Data, want.Data, 1e-6)
	}
}

func TestMomentsReuse(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 9, 7)
	f := newTestFilter(3, 1e-2, 0)
	m, err := f.Prepare(g)
	if err != nil {
		t.Fatal(err)
	}
	for n := 0; n < 2; n++ {
		cost := randomVolume(&rng, 9, 7, 3)
		got, err := f.ApplyMoments(context.Background(), m, cost)
		if err != nil {
			t.Fatal(err)
		}
		want, err := f.Apply(context.Background(), g, cost)
		if err != nil {
			t.Fatal(err)
		}
		assertClose(t, "reused", got.Data, want.Data, 0)
	}

	other := newTestFilter(5, 1e-2, 0)
	if _, err := other.ApplyMoments(context.Background(), m, randomVolume(&rng, 9, 7, 1)); !errors.Is(err, ErrMomentsMismatch) {
		t.Errorf("err=%v; want ErrMomentsMismatch", err)
	}
}

func TestCrossSlice(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 10, 6)
	cost := randomVolume(&rng, 10, 6, 3)
	m, err := NewMoments(g, 3, 0.1, 0)
	if err != nil {
		t.Fatal(err)
	}
	cs, err := CrossCovariance(m, cost)
	if err != nil {
		t.Fatal(err)
	}
	for d := 0; d < cost.Depth; d++ {
		one, err := m.Cross(cost.Slice(d))
		if err != nil {
			t.Fatal(err)
		}
		assertClose(t, "meanP", one.MeanP.Data, cs.MeanP.Slice(d).Data, 0)
		for c := 0; c < 3; c++ {
			assertClose(t, "cov", one.Cov[c].Data, cs.Cov[c].Slice(d).Data, 0)
		}
	}

	// covariance of a channel with itself is its variance
	self, err := m.Cross(g.G)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "self cov", self.Cov[1].Data, m.Var[GG].Data, 1e-5)
	assertClose(t, "self cross cov", self.Cov[0].Data, m.Var[RG].Data, 1e-5)
}

func TestFilterErrors(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 4, 4)
	ctx := context.Background()

	f := newTestFilter(3, 0.01, 0)
	if _, err := f.Apply(ctx, g, plane.NewVolume(5, 4, 2)); !errors.Is(err, plane.ErrShapeMismatch) {
		t.Errorf("cost 5x4: err=%v; want ErrShapeMismatch", err)
	}
	if _, err := f.Apply(ctx, g, nil); !errors.Is(err, plane.ErrShapeMismatch) {
		t.Errorf("nil cost: err=%v; want ErrShapeMismatch", err)
	}
	if _, err := newTestFilter(3, 0, 0).Apply(ctx, g, plane.NewVolume(4, 4, 1)); !errors.Is(err, ErrEpsilon) {
		t.Errorf("eps 0: err=%v; want ErrEpsilon", err)
	}
	if err := newTestFilter(3, 0.1, -1).Validate(); err == nil {
		t.Errorf("negative thread count accepted")
	}
	if _, err := Reconstruct(&Moments{Width: 4, Height: 4}, &Coefficients{}); !errors.Is(err, plane.ErrShapeMismatch) {
		t.Errorf("empty coefficients: err=%v; want ErrShapeMismatch", err)
	}
}

func TestCancellation(t *testing.T) {
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 8, 8)
	cost := randomVolume(&rng, 8, 8, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, staged := range []bool{false, true} {
		f := newTestFilter(3, 0.01, 2)
		f.Staged = staged
		res, err := f.Apply(ctx, g, cost)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("staged=%v: err=%v; want context.Canceled", staged, err)
		}
		if res != nil {
			t.Errorf("staged=%v: got a partial result", staged)
		}
	}
}

func TestWorkers(t *testing.T) {
	f := newTestFilter(3, 0.01, 8)
	f.MemoryMB = 0
	if w, inner := f.workers(100, 100, 3); w != 3 || inner != 2 {
		t.Errorf("depth 3: workers=%d inner=%d; want 3 2", w, inner)
	}
	if w, inner := f.workers(100, 100, 64); w != 8 || inner != 1 {
		t.Errorf("depth 64: workers=%d inner=%d; want 8 1", w, inner)
	}
	f.MemoryMB = 1
	if w, inner := f.workers(1000, 1000, 64); w != 1 || inner != 8 {
		t.Errorf("1MB budget: workers=%d inner=%d; want 1 8", w, inner)
	}
}

func TestLogsClampedDeterminants(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := newTestFilter(1, 1e-20, 0)
	f.Log = logger
	rng := fastrand.RNG{}
	g := randomGuide(&rng, 4, 4)
	m, err := f.Prepare(g)
	if err != nil {
		t.Fatal(err)
	}
	if m.Clamped != 16 {
		t.Fatalf("Clamped=%d; want 16", m.Clamped)
	}
	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no warning logged for clamped determinants")
	}
}
