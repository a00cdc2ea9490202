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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pbnjay/memory"
	"github.com/sirupsen/logrus"

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/plane"
)

// Precomputed moments were built for a different window or epsilon
var ErrMomentsMismatch = errors.New("moments do not match filter parameters")

// Scratch bytes per pixel held by one slice worker: 14 float32 planes and
// the float64 row sums of its box filter
const scratchBytesPerPixel = 14*4 + 8

// Guided filter for cost volumes
type Filter struct {
	Window     int                // Box window size, odd
	Epsilon    float32            // Regularization added to the guidance variances, >0
	MaxThreads int                // Maximum concurrent goroutines, 0 for all CPUs
	MemoryMB   int                // Budget for per-slice scratch buffers, 0 for unlimited
	Staged     bool               // Materialize every stage for the full volume instead of streaming slices
	Log        logrus.FieldLogger // Progress logging, nil to discard
}

// Creates a filter with thread count and memory budget defaults for this machine
func NewFilter(window int, eps float32) *Filter {
	return &Filter{
		Window:     window,
		Epsilon:    eps,
		MaxThreads: plane.Threads(0),
		MemoryMB:   DefaultMemoryMB(),
	}
}

// Returns 70% of physical memory in MiB
func DefaultMemoryMB() int {
	return int(memory.TotalMemory() * 7 / 10 / 1024 / 1024)
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (f *Filter) log() logrus.FieldLogger {
	if f.Log == nil {
		return discard
	}
	return f.Log
}

// Checks the filter parameters
func (f *Filter) Validate() error {
	if !(f.Epsilon > 0) {
		return fmt.Errorf("%w: got %g", ErrEpsilon, f.Epsilon)
	}
	if err := box.CheckWindow(f.Window); err != nil {
		return err
	}
	if f.MaxThreads < 0 {
		return fmt.Errorf("invalid thread count %d", f.MaxThreads)
	}
	if f.MemoryMB < 0 {
		return fmt.Errorf("invalid memory budget %dMB", f.MemoryMB)
	}
	return nil
}

// Computes the guidance statistics, which can be reused for several cost
// volumes filtered against the same guidance image
func (f *Filter) Prepare(g *Guide) (*Moments, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	m, err := NewMoments(g, f.Window, f.Epsilon, plane.Threads(f.MaxThreads))
	if err != nil {
		return nil, err
	}
	if m.Clamped > 0 {
		f.log().Warnf("%d of %d pixels have a near-singular guidance covariance, determinant floored", m.Clamped, m.Width*m.Height)
	}
	f.log().Debugf("Computed %v in %v", m, time.Since(start))
	return m, nil
}

// Filters every disparity slice of the cost volume, guided by g. Returns a
// new volume of the same shape
func (f *Filter) Apply(ctx context.Context, g *Guide, cost *plane.Volume) (*plane.Volume, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if g == nil || g.R == nil {
		return nil, fmt.Errorf("%w: nil guidance", plane.ErrShapeMismatch)
	}
	if err := checkCost(g.Width(), g.Height(), cost); err != nil {
		return nil, err
	}
	m, err := f.Prepare(g)
	if err != nil {
		return nil, err
	}
	return f.ApplyMoments(ctx, m, cost)
}

// Filters every disparity slice of the cost volume with precomputed guidance statistics
func (f *Filter) ApplyMoments(ctx context.Context, m *Moments, cost *plane.Volume) (*plane.Volume, error) {
	if err := f.checkMoments(m, cost); err != nil {
		return nil, err
	}
	start := time.Now()
	var (
		out *plane.Volume
		err error
	)
	if f.Staged {
		out, err = f.applyStaged(ctx, m, cost)
	} else {
		out, err = f.applyStreaming(ctx, m, cost)
	}
	if err != nil {
		return nil, err
	}
	f.log().Infof("Filtered %v cost volume in %v", cost, time.Since(start))
	return out, nil
}

func (f *Filter) checkMoments(m *Moments, cost *plane.Volume) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: nil moments", ErrMomentsMismatch)
	}
	if m.Window != f.Window || m.Epsilon != f.Epsilon {
		return fmt.Errorf("%w: moments have window %d eps %g, filter has window %d eps %g",
			ErrMomentsMismatch, m.Window, m.Epsilon, f.Window, f.Epsilon)
	}
	return m.checkCost(cost)
}

// Streams slices through a pool of workers, each owning its scratch buffers
func (f *Filter) applyStreaming(ctx context.Context, m *Moments, cost *plane.Volume) (*plane.Volume, error) {
	out := plane.NewVolume(cost.Width, cost.Height, cost.Depth)
	err := f.forEachSlice(ctx, m, cost.Depth, func(w *worker, d int) error {
		if err := m.crossInto(w.scratch, cost.Slice(d), w.cross); err != nil {
			return err
		}
		m.solve(w.cross, w.coeff, w.threads)
		smooth := w.smooth.planes()
		for i, p := range w.coeff.planes() {
			if _, err := w.box.Apply(smooth[i], p); err != nil {
				return err
			}
		}
		m.reconstructInto(w.smooth, out.Slice(d), [3]float32{}, w.threads)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Runs every stage on the full volume before starting the next
func (f *Filter) applyStaged(ctx context.Context, m *Moments, cost *plane.Volume) (*plane.Volume, error) {
	threads := plane.Threads(f.MaxThreads)
	cs, err := CrossCovariance(m, cost)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := Solve(m, cs)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err = Smooth(c, f.Window, threads)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Reconstruct(m, c)
}

// Returns the unsmoothed linear coefficients of every slice, in the original guidance frame
func (f *Filter) Coefficients(ctx context.Context, m *Moments, cost *plane.Volume) (*Coefficients, error) {
	if err := f.checkMoments(m, cost); err != nil {
		return nil, err
	}
	res := newCoefficients(cost.Width, cost.Height, cost.Depth)
	err := f.forEachSlice(ctx, m, cost.Depth, func(w *worker, d int) error {
		if err := m.crossInto(w.scratch, cost.Slice(d), w.cross); err != nil {
			return err
		}
		s := res.Slice(d)
		m.solve(w.cross, s, w.threads)
		m.shiftOffset(s, -1, w.threads)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Box filters every coefficient volume
func Smooth(c *Coefficients, window, threads int) (*Coefficients, error) {
	bf, err := box.New(window, threads)
	if err != nil {
		return nil, err
	}
	if err := plane.CheckVolumeShapes(c.AR, c.AG, c.AB, c.B); err != nil {
		return nil, err
	}
	res := &Coefficients{}
	src := []*plane.Volume{c.AR, c.AG, c.AB, c.B}
	dst := []**plane.Volume{&res.AR, &res.AG, &res.AB, &res.B}
	for i := range src {
		if *dst[i], err = bf.ApplyVolume(nil, src[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Evaluates the coefficients at the guidance colors: AR*R + AG*G + AB*B + B
func Reconstruct(m *Moments, c *Coefficients) (*plane.Volume, error) {
	if err := plane.CheckVolumeShapes(c.AR, c.AG, c.AB, c.B); err != nil {
		return nil, err
	}
	if err := m.checkCost(c.B); err != nil {
		return nil, err
	}
	out := plane.NewVolume(c.B.Width, c.B.Height, c.B.Depth)
	for d := 0; d < c.B.Depth; d++ {
		m.reconstructInto(c.Slice(d), out.Slice(d), m.Offset, m.threads)
	}
	return out, nil
}

// dst = sum_c A[c]*(Centered[c]+shift[c]) + B
func (m *Moments) reconstructInto(s *CoeffSlice, dst *plane.Plane, shift [3]float32, threads int) {
	plane.ParallelFor(m.Width*m.Height, threads, func(lower, upper int) {
		r, g, b := m.Centered[0].Data, m.Centered[1].Data, m.Centered[2].Data
		ar, ag, ab, bb := s.A[0].Data, s.A[1].Data, s.A[2].Data, s.B.Data
		for i := lower; i < upper; i++ {
			v := float64(ar[i])*float64(r[i]+shift[0]) +
				float64(ag[i])*float64(g[i]+shift[1]) +
				float64(ab[i])*float64(b[i]+shift[2]) +
				float64(bb[i])
			dst.Data[i] = float32(v)
		}
	})
}

// Scratch state of one slice worker
type worker struct {
	*scratch
	threads int
	cross   *CrossSlice
	coeff   *CoeffSlice
	smooth  *CoeffSlice
}

// Returns the number of concurrent slice workers, and the threads available to each
func (f *Filter) workers(width, height, depth int) (workers, inner int) {
	threads := plane.Threads(f.MaxThreads)
	workers = threads
	if depth < workers {
		workers = depth
	}
	if f.MemoryMB > 0 {
		perWorker := int64(width) * int64(height) * scratchBytesPerPixel
		if maxWorkers := (int64(f.MemoryMB) << 20) / perWorker; int64(workers) > maxWorkers {
			workers = int(maxWorkers)
		}
	}
	if workers < 1 {
		workers = 1
	}
	inner = threads / workers
	if inner < 1 {
		inner = 1
	}
	return workers, inner
}

// Calls fn for every slice index in [0,depth). Checks for cancellation
// before each slice. Returns the first error, or the context error if the
// context was cancelled
func (f *Filter) forEachSlice(ctx context.Context, m *Moments, depth int, fn func(w *worker, d int) error) error {
	numWorkers, threads := f.workers(m.Width, m.Height, depth)
	f.log().WithFields(logrus.Fields{"slices": depth, "workers": numWorkers, "threads": threads}).Debug("Filtering slices")

	pool := make(chan *worker, numWorkers)
	for i := 0; i < numWorkers; i++ {
		pool <- &worker{
			scratch: m.newScratch(threads),
			threads: threads,
			cross:   newCrossSlice(m.Width, m.Height),
			coeff:   newCoeffSlice(m.Width, m.Height),
			smooth:  newCoeffSlice(m.Width, m.Height),
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	for d := 0; d < depth; d++ {
		if ctx.Err() != nil || failed() {
			break
		}
		w := <-pool
		wg.Add(1)
		go func(w *worker, d int) {
			defer func() {
				pool <- w
				wg.Done()
			}()
			if ctx.Err() != nil {
				return
			}
			if err := fn(w, d); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("slice %d: %w", d, err)
				}
				mu.Unlock()
			}
		}(w, d)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return firstErr
}
