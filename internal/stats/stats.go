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

// Package stats computes summary statistics of planes and cost volumes.
package stats

import (
	"fmt"
	"math"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/stat"

	"github.com/mlnoga/guidedcost/internal/qsort"
)

// Number of random samples for the approximate location and scale estimators
const DefaultSamples = 128 * 1024

// Basic statistics on data arrays
type Stats struct {
	Count  int     `json:"count"`  // Number of values
	NaNs   int     `json:"nans"`   // Number of IEEE NaN values, excluded from all other figures
	Min    float32 `json:"min"`    // Minimum
	Max    float32 `json:"max"`    // Maximum
	Mean   float32 `json:"mean"`   // Mean (average)
	StdDev float32 `json:"stdDev"` // Standard deviation (norm 2, sigma)

	Location float32 `json:"location"` // Approximate median from random samples
	Scale    float32 `json:"scale"`    // Approximate Qn scale from random samples, normalized to a Gaussian sigma
}

// Pretty print basic stats to string
func (s *Stats) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g Location %.6g Scale %.6g",
		s.Min, s.Max, s.Mean, s.StdDev, s.Location, s.Scale)
}

// Pretty print basic stats to CSV header
func (s *Stats) ToCSVHeader() string {
	return "Count,NaNs,Min,Max,Mean,StdDev,Location,Scale"
}

// Pretty print basic stats to CSV line item
func (s *Stats) ToCSVLine() string {
	return fmt.Sprintf("%d,%d,%.6g,%.6g,%.6g,%.6g,%.6g,%.6g",
		s.Count, s.NaNs, s.Min, s.Max, s.Mean, s.StdDev, s.Location, s.Scale)
}

// Calculate minimum, maximum, mean and standard deviation of the data
func NewBasicStats(data []float32) *Stats {
	s := &Stats{Count: len(data)}
	min, max, sum, n := float32(math.MaxFloat32), float32(-math.MaxFloat32), float64(0), 0
	for _, v := range data {
		if v != v {
			s.NaNs++
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += float64(v)
		n++
	}
	if n == 0 {
		return s
	}
	s.Min, s.Max = min, max
	mean := sum / float64(n)
	s.Mean = float32(mean)

	variance := float64(0)
	for _, v := range data {
		if v == v {
			diff := float64(v) - mean
			variance += diff * diff
		}
	}
	s.StdDev = float32(math.Sqrt(variance / float64(n)))
	return s
}

// Calculates basic statistics plus robust location and scale estimates
// from the given number of random samples
func NewStats(data []float32, numSamples int) *Stats {
	s := NewBasicStats(data)
	if s.Count-s.NaNs == 0 || numSamples <= 0 {
		return s
	}
	samples := make([]float32, numSamples)
	s.Location = FastApproxMedian(data, samples)
	if s.Count-s.NaNs >= 2 {
		s.Scale = FastApproxQn(data, samples)
	}
	return s
}

// Draws random non-NaN samples from data into samples. After more misses than
// samples, continues on a NaN-free copy of data. Samples are NaN if data holds no values
func sample(rng *fastrand.RNG, data []float32, samples []float32) {
	misses, compacted := 0, false
	for i := 0; i < len(samples); {
		if len(data) == 0 {
			for ; i < len(samples); i++ {
				samples[i] = float32(math.NaN())
			}
			return
		}
		d := data[rng.Uint32n(uint32(len(data)))]
		if d == d {
			samples[i] = d
			i++
			continue
		}
		if misses++; !compacted && misses > len(samples) {
			data, compacted = withoutNaNs(data), true
		}
	}
}

// Returns a copy of data without NaN values
func withoutNaNs(data []float32) []float32 {
	res := make([]float32, 0, len(data))
	for _, d := range data {
		if d == d {
			res = append(res, d)
		}
	}
	return res
}

// Calculates fast approximate median of the (presumably large) data by subsampling the given number of values and taking the median of that.
// Uses provided samples array as scratchpad. Data must hold at least one non-NaN value
func FastApproxMedian(data []float32, samples []float32) float32 {
	if len(samples) >= len(data) {
		samples = samples[:0]
		for _, d := range data {
			if d == d {
				samples = append(samples, d)
			}
		}
		return qsort.QSelectMedianFloat32(samples)
	}
	rng := fastrand.RNG{}
	sample(&rng, data, samples)
	return qsort.QSelectMedianFloat32(samples)
}

// Calculates fast approximate median of absolute differences from location, normalized to a Gaussian std dev.
// Uses provided samples array as scratchpad
func FastApproxMAD(data []float32, location float32, samples []float32) float32 {
	rng := fastrand.RNG{}
	sample(&rng, data, samples)
	for i, s := range samples {
		samples[i] = float32(math.Abs(float64(s - location)))
	}
	return qsort.QSelectMedianFloat32(samples) * 1.4826
}

// Calculates fast approximate Qn scale estimate of the (presumably large) data by subsampling the given number of pairs and taking the first quartile of that.
// See Rousseeuw and Croux, Alternatives to the Median Absolute Deviation, 1993.
// Returns 0 unless data holds at least two non-NaN values
func FastApproxQn(data []float32, samples []float32) float32 {
	rng := fastrand.RNG{}
	misses, compacted := 0, false
	for i := 0; i < len(samples); {
		if len(data) < 2 {
			return 0
		}
		index1 := 1 + rng.Uint32n(uint32(len(data)-1))
		d1, d2 := data[index1], data[rng.Uint32n(index1)]
		if d1 == d1 && d2 == d2 {
			samples[i] = float32(math.Abs(float64(d1 - d2)))
			i++
			continue
		}
		if misses++; !compacted && misses > len(samples) {
			data, compacted = withoutNaNs(data), true
		}
	}
	// normalize to Gaussian std dev, for large numSamples >>1000. Constant from robustbase Qn
	return qsort.QSelectFirstQuartileFloat32(samples) * 2.21914
}

// Pearson correlation of two equally long arrays, skipping positions where either is NaN
func Correlation(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	x, y := make([]float64, 0, n), make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if a[i] == a[i] && b[i] == b[i] {
			x, y = append(x, float64(a[i])), append(y, float64(b[i]))
		}
	}
	if len(x) < 2 {
		return math.NaN()
	}
	return stat.Correlation(x, y, nil)
}
