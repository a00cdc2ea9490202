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

// Package guided implements guided filtering of stereo matching cost volumes.
// For every pixel and disparity it fits an affine map from the guidance color
// to the matching cost over a local window, smooths the fitted coefficients,
// and evaluates them at the guidance color. Edges of the guidance image stay
// sharp in the filtered costs, at a runtime independent of the window size.
package guided

import (
	"errors"
	"fmt"

	"github.com/mlnoga/guidedcost/internal/plane"
)

// Regularization constant is not positive
var ErrEpsilon = errors.New("regularization epsilon must be positive")

// A 3-channel guidance image, stored as one plane per channel
type Guide struct {
	R, G, B *plane.Plane
}

// Creates a guidance image from pre-split channel planes. Planes are not copied
func NewGuide(r, g, b *plane.Plane) (*Guide, error) {
	if err := plane.CheckShapes(r, g, b); err != nil {
		return nil, fmt.Errorf("guidance channels: %w", err)
	}
	return &Guide{R: r, G: g, B: b}, nil
}

// Creates a guidance image from channel-interleaved pixel data
func NewGuideFromInterleaved(data []float32, width, height int) (*Guide, error) {
	r, g, b, err := plane.Split(data, width, height)
	if err != nil {
		return nil, err
	}
	return &Guide{R: r, G: g, B: b}, nil
}

func (g *Guide) Width() int  { return g.R.Width }
func (g *Guide) Height() int { return g.R.Height }

func (g *Guide) chans() [3]*plane.Plane { return [3]*plane.Plane{g.R, g.G, g.B} }
