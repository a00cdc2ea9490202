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

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/plane"
)

// Statistics of one cost slice p against the guidance image
type CrossSlice struct {
	MeanP *plane.Plane    // local mean of p
	Cov   [3]*plane.Plane // local covariance of each guidance channel with p
}

func newCrossSlice(width, height int) *CrossSlice {
	return &CrossSlice{
		MeanP: plane.New(width, height),
		Cov:   [3]*plane.Plane{plane.New(width, height), plane.New(width, height), plane.New(width, height)},
	}
}

// Cross statistics for a whole cost volume
type CrossStats struct {
	MeanP *plane.Volume
	Cov   [3]*plane.Volume
}

// Returns views of slice d
func (cs *CrossStats) Slice(d int) *CrossSlice {
	return &CrossSlice{
		MeanP: cs.MeanP.Slice(d),
		Cov:   [3]*plane.Plane{cs.Cov[0].Slice(d), cs.Cov[1].Slice(d), cs.Cov[2].Slice(d)},
	}
}

// Scratch buffers for computing one slice at a time
type scratch struct {
	box      *box.Box
	ops      plane.Ops
	prod     *plane.Plane
	prodMean *plane.Plane
}

func (m *Moments) newScratch(threads int) *scratch {
	bf, _ := box.New(m.Window, threads) // window was validated by NewMoments
	return &scratch{
		box:      bf,
		ops:      plane.Ops{Threads: threads},
		prod:     plane.New(m.Width, m.Height),
		prodMean: plane.New(m.Width, m.Height),
	}
}

// Computes the cross statistics of one cost slice p against the guidance
func (m *Moments) Cross(p *plane.Plane) (*CrossSlice, error) {
	if err := m.checkSlice(p); err != nil {
		return nil, err
	}
	out := newCrossSlice(m.Width, m.Height)
	if err := m.crossInto(m.newScratch(m.threads), p, out); err != nil {
		return nil, err
	}
	return out, nil
}

// cov_Xp = mean_Xp - mean_X * mean_p, written into out
func (m *Moments) crossInto(s *scratch, p *plane.Plane, out *CrossSlice) error {
	if _, err := s.box.Apply(out.MeanP, p); err != nil {
		return err
	}
	for c := 0; c < 3; c++ {
		if _, err := s.ops.Mul(s.prod, m.Centered[c], p); err != nil {
			return err
		}
		if _, err := s.box.Apply(s.prodMean, s.prod); err != nil {
			return err
		}
		if _, err := s.ops.Mul(out.Cov[c], m.Means[c], out.MeanP); err != nil {
			return err
		}
		if _, err := s.ops.Sub(out.Cov[c], s.prodMean, out.Cov[c]); err != nil {
			return err
		}
	}
	return nil
}

// Computes the cross statistics of every slice of a cost volume
func CrossCovariance(m *Moments, cost *plane.Volume) (*CrossStats, error) {
	if err := m.checkCost(cost); err != nil {
		return nil, err
	}
	w, h, depth := cost.Width, cost.Height, cost.Depth
	cs := &CrossStats{
		MeanP: plane.NewVolume(w, h, depth),
		Cov:   [3]*plane.Volume{plane.NewVolume(w, h, depth), plane.NewVolume(w, h, depth), plane.NewVolume(w, h, depth)},
	}
	s := m.newScratch(m.threads)
	for d := 0; d < depth; d++ {
		if err := m.crossInto(s, cost.Slice(d), cs.Slice(d)); err != nil {
			return nil, fmt.Errorf("slice %d: %w", d, err)
		}
	}
	return cs, nil
}

func (m *Moments) checkCost(cost *plane.Volume) error {
	return checkCost(m.Width, m.Height, cost)
}

// Checks that the cost volume slices match the guidance dimensions
func checkCost(width, height int, cost *plane.Volume) error {
	if cost == nil {
		return fmt.Errorf("%w: nil cost volume", plane.ErrShapeMismatch)
	}
	if err := plane.CheckVolumeShapes(cost); err != nil {
		return err
	}
	if cost.Width != width || cost.Height != height {
		return fmt.Errorf("%w: cost volume %v vs guidance %dx%d", plane.ErrShapeMismatch, cost, width, height)
	}
	return nil
}
