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

package synth

import (
	"errors"
	"testing"
)

func TestNewScene(t *testing.T) {
	p := Params{Width: 40, Height: 30, Depth: 16, Regions: 5, Noise: 0, Seed: 42}
	s, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	if s.Guide.Width() != 40 || s.Guide.Height() != 30 {
		t.Errorf("guide %dx%d; want 40x30", s.Guide.Width(), s.Guide.Height())
	}
	if s.Cost.Width != 40 || s.Cost.Height != 30 || s.Cost.Depth != 16 {
		t.Errorf("cost %v; want 40x30x16", s.Cost)
	}
	for i, d := range s.Truth {
		if d < 0 || d >= 16 {
			t.Fatalf("truth[%d]=%d out of range", i, d)
		}
	}
	// without noise, the winner is the true disparity everywhere
	if rate := ErrorRate(WinnerTakesAll(s.Cost), s.Truth, 0); rate != 0 {
		t.Errorf("error rate of noise-free scene %g; want 0", rate)
	}
}

func TestSeedIsDeterministic(t *testing.T) {
	p := Params{Width: 16, Height: 12, Depth: 4, Regions: 3, Noise: 0.5, Seed: 7}
	a, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Cost.Data {
		if a.Cost.Data[i] != b.Cost.Data[i] {
			t.Fatalf("cost[%d] differs: %g vs %g", i, a.Cost.Data[i], b.Cost.Data[i])
		}
	}
}

func TestNoiseAmplitude(t *testing.T) {
	p := Params{Width: 20, Height: 20, Depth: 3, Regions: 2, Noise: 0.1, Seed: 3}
	s, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range s.Cost.Data {
		if diff := c - s.Ideal.Data[i]; diff < 0 || diff > 0.1+1e-6 {
			t.Fatalf("noise[%d]=%g; want in [0,0.1]", i, diff)
		}
	}
}

func TestInvalidParams(t *testing.T) {
	for _, p := range []Params{
		{Width: 0, Height: 1, Depth: 1},
		{Width: 1, Height: 1, Depth: 0},
		{Width: 1, Height: 1, Depth: 1, Noise: -1},
		{Width: 1, Height: 1, Depth: 1, Regions: -1},
	} {
		if _, err := New(p); !errors.Is(err, ErrParams) {
			t.Errorf("New(%v) err=%v; want ErrParams", p, err)
		}
	}
}

func TestErrorRate(t *testing.T) {
	truth := []int32{0, 1, 2, 3}
	if got := ErrorRate([]int32{0, 2, 2, 5}, truth, 0); got != 0.5 {
		t.Errorf("tolerance 0: got %g; want 0.5", got)
	}
	if got := ErrorRate([]int32{0, 2, 2, 5}, truth, 1); got != 0.25 {
		t.Errorf("tolerance 1: got %g; want 0.25", got)
	}
}
