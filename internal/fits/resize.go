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

package fits

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/mlnoga/guidedcost/internal/stats"
)

// Resizes a monochrome or three-channel image with values in [0,1] to the
// given dimensions with bilinear interpolation. Values are quantized to 16 bits.
// Returns a new image, or the image itself if it already has the dimensions
func (f *Image) Resize(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%d: %w: resize to %dx%d", f.ID, ErrNaxis, width, height)
	}
	r, g, b, err := f.Channels()
	if err != nil {
		return nil, err
	}
	if r.Width == width && r.Height == height {
		return f, nil
	}
	mono := r == g

	n := newNormalizer(0, 1, 1)
	var src image.Image
	if mono {
		img := image.NewGray16(image.Rect(0, 0, r.Width, r.Height))
		for i, v := range r.Data {
			img.Pix[2*i], img.Pix[2*i+1] = split16(n.apply(v))
		}
		src = img
	} else {
		img := image.NewRGBA64(image.Rect(0, 0, r.Width, r.Height))
		for i := range r.Data {
			img.Pix[8*i], img.Pix[8*i+1] = split16(n.apply(r.Data[i]))
			img.Pix[8*i+2], img.Pix[8*i+3] = split16(n.apply(g.Data[i]))
			img.Pix[8*i+4], img.Pix[8*i+5] = split16(n.apply(b.Data[i]))
			img.Pix[8*i+6], img.Pix[8*i+7] = 0xff, 0xff
		}
		src = img
	}
	dst := resize.Resize(uint(width), uint(height), src, resize.Bilinear)

	channels := int32(3)
	if mono {
		channels = 1
	}
	naxisn := []int32{int32(width), int32(height), channels}
	if mono {
		naxisn = naxisn[:2]
	}
	res, err := NewImageFromNaxisn(naxisn, nil)
	if err != nil {
		return nil, err
	}
	res.ID, res.FileName, res.Bitpix = f.ID, f.FileName, 16
	size, bounds := width*height, dst.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			c := dst.At(bounds.Min.X+x, bounds.Min.Y+y)
			if mono {
				res.Data[i] = float32(color.Gray16Model.Convert(c).(color.Gray16).Y) / 65535
				continue
			}
			cr, cg, cb, _ := c.RGBA()
			res.Data[i] = float32(cr) / 65535
			res.Data[i+size] = float32(cg) / 65535
			res.Data[i+2*size] = float32(cb) / 65535
		}
	}
	res.Stats = stats.NewBasicStats(res.Data)
	return res, nil
}

// Big-endian 16-bit representation of a value in [0,1]
func split16(v float32) (hi, lo uint8) {
	u := uint16(v*65535 + 0.5)
	return uint8(u >> 8), uint8(u)
}
