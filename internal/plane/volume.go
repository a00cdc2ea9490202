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

package plane

import (
	"fmt"
)

// A dense cost volume of float32 values. Index of (x,y,d) is ((d*Height+y)*Width+x),
// so each disparity slice is a contiguous plane
type Volume struct {
	Width  int
	Height int
	Depth  int
	Data   []float32
}

// Creates a zero-initialized volume of the given size. Invalid sizes yield an empty volume
func NewVolume(width, height, depth int) *Volume {
	size, ok := Size(width, height, depth)
	if !ok {
		width, height, depth = 0, 0, 0
	}
	return &Volume{
		Width:  width,
		Height: height,
		Depth:  depth,
		Data:   make([]float32, size),
	}
}

// Wraps existing data into a volume. Data is not copied
func NewVolumeFromData(width, height, depth int, data []float32) (*Volume, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("%w: volume %dx%dx%d", ErrDimension, width, height, depth)
	}
	size, ok := Size(width, height, depth)
	if !ok {
		return nil, fmt.Errorf("%w: volume %dx%dx%d is too large", ErrDimension, width, height, depth)
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: volume %dx%dx%d needs %d values, got %d",
			ErrDimension, width, height, depth, size, len(data))
	}
	return &Volume{Width: width, Height: height, Depth: depth, Data: data}, nil
}

// Returns a view of disparity slice d. The plane shares data with the volume
func (v *Volume) Slice(d int) *Plane {
	size := v.Width * v.Height
	return &Plane{Width: v.Width, Height: v.Height, Data: v.Data[d*size : (d+1)*size : (d+1)*size]}
}

// Returns the value at the given coordinate
func (v *Volume) At(x, y, d int) float32 { return v.Data[(d*v.Height+y)*v.Width+x] }

// Sets the value at the given coordinate
func (v *Volume) Set(x, y, d int, val float32) { v.Data[(d*v.Height+y)*v.Width+x] = val }

// Returns a deep copy
func (v *Volume) Clone() *Volume {
	return &Volume{Width: v.Width, Height: v.Height, Depth: v.Depth, Data: append([]float32(nil), v.Data...)}
}

// Returns true if both volumes have identical dimensions
func (v *Volume) SameShape(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Returns true if the volume slices have the dimensions of the given plane
func (v *Volume) MatchesPlane(p *Plane) bool {
	return v.Width == p.Width && v.Height == p.Height
}

func (v *Volume) String() string {
	return fmt.Sprintf("%dx%dx%d", v.Width, v.Height, v.Depth)
}

// Returns an error wrapping ErrShapeMismatch unless all volumes share the shape of the first
func CheckVolumeShapes(vs ...*Volume) error {
	for i, v := range vs {
		if v == nil {
			return fmt.Errorf("%w: volume %d is nil", ErrShapeMismatch, i)
		}
		if size, ok := Size(v.Width, v.Height, v.Depth); !ok || len(v.Data) != size {
			return fmt.Errorf("%w: volume %v holds %d values", ErrDimension, v, len(v.Data))
		}
		if !v.SameShape(vs[0]) {
			return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, vs[0], v)
		}
	}
	return nil
}

func prepareVolumeDst(dst *Volume, width, height, depth int) (*Volume, error) {
	if dst == nil {
		return NewVolume(width, height, depth), nil
	}
	if size, ok := Size(width, height, depth); !ok || dst.Width != width || dst.Height != height || dst.Depth != depth || len(dst.Data) != size {
		return nil, fmt.Errorf("%w: destination %v, want %dx%dx%d", ErrShapeMismatch, dst, width, height, depth)
	}
	return dst, nil
}

func errShapes(v *Volume, p *Plane) error {
	return fmt.Errorf("%w: volume %v vs plane %v", ErrShapeMismatch, v, p)
}
