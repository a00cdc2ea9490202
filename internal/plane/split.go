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

// Deinterleaves a packed 3-channel image, with the channels of each pixel stored
// consecutively, into three planes. Any width is supported; the pixels are
// processed in batches of SplitLanes() with a scalar tail
func Split(data []float32, width, height int) (r, g, b *Plane, err error) {
	if width <= 0 || height <= 0 {
		return nil, nil, nil, fmt.Errorf("%w: image %dx%d", ErrDimension, width, height)
	}
	size, ok := Size(3, width, height)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: 3-channel image %dx%d is too large", ErrDimension, width, height)
	}
	if len(data) != size {
		return nil, nil, nil, fmt.Errorf("%w: 3-channel image %dx%d needs %d values, got %d",
			ErrDimension, width, height, size, len(data))
	}
	r, g, b = New(width, height), New(width, height), New(width, height)
	SplitInto(r, g, b, data, 0)
	return r, g, b, nil
}

// Deinterleaves data into the given planes, which must have matching shape and
// together hold exactly len(data) values. Uses up to threads goroutines
func SplitInto(r, g, b *Plane, data []float32, threads int) {
	n := len(r.Data)
	if n < minParallelLen {
		splitPixels(r.Data, g.Data, b.Data, data)
		return
	}
	ParallelFor(n, threads, func(lower, upper int) {
		splitPixels(r.Data[lower:upper], g.Data[lower:upper], b.Data[lower:upper], data[3*lower:3*upper])
	})
}

// Reverses Split, packing three planes into one channel-interleaved array
func Interleave(r, g, b *Plane) ([]float32, error) {
	if err := CheckShapes(r, g, b); err != nil {
		return nil, err
	}
	data := make([]float32, 3*len(r.Data))
	rs, gs, bs := r.Data, g.Data[:len(r.Data)], b.Data[:len(r.Data)]
	for i := range rs {
		data[3*i+0] = rs[i]
		data[3*i+1] = gs[i]
		data[3*i+2] = bs[i]
	}
	return data, nil
}

// Splits pixels in batches of four, then the remainder one by one
func splitPixels4(r, g, b, data []float32) {
	n := len(r)
	g, b = g[:n], b[:n]
	i := 0
	for ; i+4 <= n; i += 4 {
		s := (*[12]float32)(data[3*i : 3*i+12])
		r[i+0], g[i+0], b[i+0] = s[0], s[1], s[2]
		r[i+1], g[i+1], b[i+1] = s[3], s[4], s[5]
		r[i+2], g[i+2], b[i+2] = s[6], s[7], s[8]
		r[i+3], g[i+3], b[i+3] = s[9], s[10], s[11]
	}
	splitTail(r[i:], g[i:], b[i:], data[3*i:])
}

// Splits pixels in batches of eight, then the remainder one by one
func splitPixels8(r, g, b, data []float32) {
	n := len(r)
	g, b = g[:n], b[:n]
	i := 0
	for ; i+8 <= n; i += 8 {
		s := (*[24]float32)(data[3*i : 3*i+24])
		dr, dg, db := (*[8]float32)(r[i:i+8]), (*[8]float32)(g[i:i+8]), (*[8]float32)(b[i:i+8])
		for j := 0; j < 8; j++ {
			dr[j], dg[j], db[j] = s[3*j], s[3*j+1], s[3*j+2]
		}
	}
	splitTail(r[i:], g[i:], b[i:], data[3*i:])
}

func splitTail(r, g, b, data []float32) {
	for i := range r {
		r[i], g[i], b[i] = data[3*i], data[3*i+1], data[3*i+2]
	}
}
