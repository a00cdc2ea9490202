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

// Package plane holds the dense float32 arrays shared by all filter stages:
// single-channel planes and disparity-sliced cost volumes. Both carry their
// own dimensions, so operations can reject mismatched operands up front.
package plane

import (
	"errors"
	"fmt"
	"math"
)

var (
	// Operand dimensions disagree
	ErrShapeMismatch = errors.New("shape mismatch")

	// Buffer length or dimensions are invalid for the requested shape
	ErrDimension = errors.New("invalid dimensions")
)

// A dense row-major plane of float32 values, x varying fastest
type Plane struct {
	Width  int
	Height int
	Data   []float32
}

// Returns the product of the given non-negative dimensions, and false if a
// dimension is negative or the product overflows int
func Size(dims ...int) (int, bool) {
	size := 1
	for _, d := range dims {
		if d < 0 {
			return 0, false
		}
		if d > 0 && size > math.MaxInt/d {
			return 0, false
		}
		size *= d
	}
	return size, true
}

// Creates a zero-initialized plane of the given size. Invalid sizes yield an empty plane
func New(width, height int) *Plane {
	size, ok := Size(width, height)
	if !ok {
		width, height = 0, 0
	}
	return &Plane{
		Width:  width,
		Height: height,
		Data:   make([]float32, size),
	}
}

// Wraps existing data into a plane. Data is not copied
func NewFromData(width, height int, data []float32) (*Plane, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: plane %dx%d", ErrDimension, width, height)
	}
	size, ok := Size(width, height)
	if !ok {
		return nil, fmt.Errorf("%w: plane %dx%d is too large", ErrDimension, width, height)
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: plane %dx%d needs %d values, got %d", ErrDimension, width, height, size, len(data))
	}
	return &Plane{Width: width, Height: height, Data: data}, nil
}

// Returns the value at the given coordinate
func (p *Plane) At(x, y int) float32 { return p.Data[y*p.Width+x] }

// Sets the value at the given coordinate
func (p *Plane) Set(x, y int, v float32) { p.Data[y*p.Width+x] = v }

// Sets all values of the plane to v
func (p *Plane) Fill(v float32) {
	for i := range p.Data {
		p.Data[i] = v
	}
}

// Returns a deep copy
func (p *Plane) Clone() *Plane {
	return &Plane{Width: p.Width, Height: p.Height, Data: append([]float32(nil), p.Data...)}
}

// Returns true if both planes have identical dimensions
func (p *Plane) SameShape(o *Plane) bool {
	return p.Width == o.Width && p.Height == o.Height
}

func (p *Plane) String() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Returns an error wrapping ErrShapeMismatch unless all planes share the shape of the first
func CheckShapes(ps ...*Plane) error {
	for i, p := range ps {
		if p == nil {
			return fmt.Errorf("%w: plane %d is nil", ErrShapeMismatch, i)
		}
		if size, ok := Size(p.Width, p.Height); !ok || len(p.Data) != size {
			return fmt.Errorf("%w: plane %v holds %d values", ErrDimension, p, len(p.Data))
		}
		if !p.SameShape(ps[0]) {
			return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, ps[0], p)
		}
	}
	return nil
}

// Returns dst if it matches the given shape, a new plane if dst is nil, or an error
func prepareDst(dst *Plane, width, height int) (*Plane, error) {
	if dst == nil {
		return New(width, height), nil
	}
	if size, ok := Size(width, height); !ok || dst.Width != width || dst.Height != height || len(dst.Data) != size {
		return nil, fmt.Errorf("%w: destination %v, want %dx%d", ErrShapeMismatch, dst, width, height)
	}
	return dst, nil
}
