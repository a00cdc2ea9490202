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

package stats

import (
	"math"
	"testing"

	"github.com/valyala/fastrand"
)

func TestBasicStats(t *testing.T) {
	nan := float32(math.NaN())
	s := NewBasicStats([]float32{1, nan, 2, 3, 4, nan})
	if s.Count != 6 || s.NaNs != 2 {
		t.Errorf("count %d nans %d; want 6 2", s.Count, s.NaNs)
	}
	if s.Min != 1 || s.Max != 4 || s.Mean != 2.5 {
		t.Errorf("min %g max %g mean %g; want 1 4 2.5", s.Min, s.Max, s.Mean)
	}
	if want := float32(math.Sqrt(1.25)); math.Abs(float64(s.StdDev-want)) > 1e-6 {
		t.Errorf("stddev %g; want %g", s.StdDev, want)
	}

	empty := NewStats([]float32{nan}, 16)
	if empty.Min != 0 || empty.Location != 0 {
		t.Errorf("all-NaN stats %v; want zeros", empty)
	}
}

func TestLocationScale(t *testing.T) {
	data := make([]float32, 1001)
	for i := range data {
		data[i] = float32(i)
	}
	s := NewStats(data, 2000)
	if s.Location != 500 {
		t.Errorf("location %g; want 500", s.Location)
	}
	if s.Scale <= 0 {
		t.Errorf("scale %g; want positive", s.Scale)
	}

	// location of a large sample is close to the median
	big := make([]float32, 1<<18)
	for i := range big {
		big[i] = float32(i % 1000)
	}
	s = NewStats(big, DefaultSamples)
	if math.Abs(float64(s.Location)-500) > 10 {
		t.Errorf("sampled location %g; want about 500", s.Location)
	}
	mad := FastApproxMAD(big, s.Location, make([]float32, 4096))
	if mad < 300 || mad > 450 {
		t.Errorf("sampled MAD %g; want about 370", mad)
	}
}

func TestMostlyNaN(t *testing.T) {
	data := make([]float32, 1<<20)
	for i := range data {
		data[i] = float32(math.NaN())
	}
	data[17], data[1<<19], data[len(data)-1] = 2, 4, 6
	s := NewStats(data, DefaultSamples)
	if s.Count-s.NaNs != 3 {
		t.Fatalf("%d values; want 3", s.Count-s.NaNs)
	}
	if s.Location < 2 || s.Location > 6 {
		t.Errorf("location %g; want within [2,6]", s.Location)
	}
	if s.Scale < 0 || s.Scale > 9 {
		t.Errorf("scale %g; want within [0,9]", s.Scale)
	}

	one := make([]float32, 1000)
	for i := range one {
		one[i] = float32(math.NaN())
	}
	one[500] = 1
	if q := FastApproxQn(one, make([]float32, 64)); q != 0 {
		t.Errorf("Qn of a single value %g; want 0", q)
	}
}

// Normal distributed values via Box-Muller
func gaussian(rng *fastrand.RNG, n int, mu, sigma float64) []float32 {
	res := make([]float32, n)
	for i := range res {
		u1 := (float64(rng.Uint32n(1<<30)) + 1) / (1 << 30)
		u2 := float64(rng.Uint32n(1<<30)) / (1 << 30)
		res[i] = float32(mu + sigma*math.Sqrt(-2*math.Log(u1))*math.Cos(2*math.Pi*u2))
	}
	return res
}

func TestHistogramMode(t *testing.T) {
	rng := fastrand.RNG{}
	data := gaussian(&rng, 200000, 3, 0.5)
	mode, stdDev, err := HistogramModeStdDev(data, 0, 6, 256)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(mode)-3) > 0.05 {
		t.Errorf("mode %g; want about 3", mode)
	}
	if math.Abs(float64(stdDev)-0.5) > 0.1 {
		t.Errorf("stddev %g; want about 0.5", stdDev)
	}
	if _, _, err := HistogramModeStdDev(data, 1, 1, 16); err == nil {
		t.Errorf("empty range accepted")
	}
}

func TestHistogram(t *testing.T) {
	bins := make([]int32, 3)
	Histogram([]float32{0, 0.4, 0.5, 1, 2, -1, float32(math.NaN())}, 0, 1, bins)
	if bins[0] != 2 || bins[1] != 1 || bins[2] != 1 {
		t.Errorf("bins %v; want [2 1 1]", bins)
	}
	Histogram([]float32{1, 1, 2}, 1, 1, bins)
	if bins[0] != 0 || bins[1] != 0 || bins[2] != 0 {
		t.Errorf("empty range bins %v; want [0 0 0]", bins)
	}
	Histogram([]float32{1}, 2, 1, bins)
	if bins[0] != 0 || bins[1] != 0 || bins[2] != 0 {
		t.Errorf("inverted range bins %v; want [0 0 0]", bins)
	}
	if _, _, err := HistogramModeStdDev([]float32{1, 1, 1}, 1, 1, 16); err == nil {
		t.Errorf("empty range with matching data accepted")
	}
}

func TestCorrelation(t *testing.T) {
	nan := float32(math.NaN())
	a := []float32{1, 2, nan, 3, 4}
	b := []float32{2, 4, 5, 6, 8}
	if got := Correlation(a, b); math.Abs(got-1) > 1e-12 {
		t.Errorf("correlation %g; want 1", got)
	}
	neg := []float32{-1, -2, 0, -3, -4}
	if got := Correlation(a, neg); math.Abs(got+1) > 1e-12 {
		t.Errorf("correlation %g; want -1", got)
	}
	if got := Correlation([]float32{1}, []float32{1}); !math.IsNaN(got) {
		t.Errorf("correlation of one value %g; want NaN", got)
	}
}
