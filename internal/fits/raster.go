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
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"

	"github.com/lucasb-eyer/go-colorful"
	_ "golang.org/x/image/tiff" // register decoder

	"github.com/mlnoga/guidedcost/internal/stats"
)

// Read a color or grayscale TIFF, PNG or JPEG image. Values are scaled to
// [0,1] and keep the sRGB transfer curve of the file, see Linearize.
// Color images are stored as three planar channels.
func (f *Image) ReadRaster(r io.Reader) error {
	t, format, err := image.Decode(r)
	if err != nil {
		return fmt.Errorf("%d: %w", f.ID, err)
	}

	// determine width, height, color depth and number of color channels
	width, height := t.Bounds().Dx(), t.Bounds().Dy()
	bitpix, channels := colorModelToBitpixAndChannels(t.ColorModel())
	if channels == 0 {
		bitpix, channels = 8, 3 // paletted and YCbCr images
	}

	f.Bitpix = bitpix
	f.Naxisn = []int32{int32(width), int32(height), channels}
	if channels == 1 {
		f.Naxisn = f.Naxisn[:2]
	}
	f.Pixels = int64(width) * int64(height) * int64(channels)
	f.Bzero, f.Bscale = 0, 1
	f.Header.Strings["FORMAT"] = format
	f.Data = make([]float32, f.Pixels)

	size := width * height
	min := t.Bounds().Min
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c, _ := colorful.MakeColor(t.At(min.X+x, min.Y+y))
			i := y*width + x
			if channels == 1 {
				f.Data[i] = float32(c.R)
				continue
			}
			f.Data[i] = float32(c.R)
			f.Data[i+size] = float32(c.G)
			f.Data[i+2*size] = float32(c.B)
		}
	}
	f.Stats = stats.NewBasicStats(f.Data)
	return nil
}

// Converts sRGB-encoded values in [0,1] to linear light
func (f *Image) Linearize() {
	for i, v := range f.Data {
		r, _, _ := colorful.Color{R: float64(v), G: 0, B: 0}.LinearRgb()
		f.Data[i] = float32(r)
	}
	f.Stats = stats.NewBasicStats(f.Data)
}

func colorModelToBitpixAndChannels(m color.Model) (bitpix, channels int32) {
	switch m {
	case color.RGBAModel:
		return 8, 3
	case color.RGBA64Model:
		return 16, 3
	case color.NRGBAModel:
		return 8, 3
	case color.NRGBA64Model:
		return 16, 3
	case color.AlphaModel:
		return 8, 1
	case color.Alpha16Model:
		return 16, 1
	case color.GrayModel:
		return 8, 1
	case color.Gray16Model:
		return 16, 1
	default:
		return 0, 0
	}
}
