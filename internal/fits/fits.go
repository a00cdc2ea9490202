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

// Package fits reads and writes cost volumes and guidance images as FITS
// files, and exchanges guidance images with common raster formats.
package fits

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mlnoga/guidedcost/internal/plane"
	"github.com/mlnoga/guidedcost/internal/stats"
)

// Image axes cannot be interpreted as requested
var ErrNaxis = errors.New("unsupported image dimensions")

// A FITS image.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Sequential ID number, for log output
	FileName string // Original file name, if any, for log output

	Header Header  // The header with all keys, values, comments, history entries etc.
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating.
	Bzero  float32 // Zero offset. True pixel value is Bzero + Bscale * Data[i].
	Bscale float32 // Value scaler. True pixel value is Bzero + Bscale * Data[i].
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y,D)
	Pixels int64   // Number of values in the image. Product of Naxisn[]

	Data []float32 // The image data

	Stats *stats.Stats // Basic statistics, filled on read
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Upper bound on the number of float32 values of an image
const maxPixels int64 = math.MaxInt / 4

// Returns the number of values of an image with the given axis dimensions.
// Returns an error wrapping ErrNaxis if an axis is not positive or the count exceeds maxPixels
func PixelCount(naxisn []int32) (int64, error) {
	pixels := int64(1)
	for i, naxis := range naxisn {
		if naxis <= 0 {
			return 0, fmt.Errorf("%w: NAXIS%d=%d", ErrNaxis, i+1, naxis)
		}
		if pixels > maxPixels/int64(naxis) {
			return 0, fmt.Errorf("%w: %v exceeds %d values", ErrNaxis, naxisn, maxPixels)
		}
		pixels *= int64(naxis)
	}
	return pixels, nil
}

// Creates a FITS image from given naxisn. Data is not copied, allocated if nil. naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float32) (*Image, error) {
	numPixels, err := PixelCount(naxisn)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = make([]float32, numPixels)
	} else if int64(len(data)) != numPixels {
		return nil, fmt.Errorf("%w: %v needs %d values, got %d", ErrNaxis, naxisn, numPixels, len(data))
	}
	return newImage(naxisn, data), nil
}

func newImage(naxisn []int32, data []float32) *Image {
	return &Image{
		Header: NewHeader(),
		Bitpix: -32,
		Bscale: 1,
		Naxisn: append([]int32(nil), naxisn...), // clone slice
		Pixels: int64(len(data)),
		Data:   data,
	}
}

// Creates a three-axis FITS image sharing the data of the volume
func NewImageFromVolume(v *plane.Volume) *Image {
	return newImage([]int32{int32(v.Width), int32(v.Height), int32(v.Depth)}, v.Data)
}

// Creates a two-axis FITS image sharing the data of the plane
func NewImageFromPlane(p *plane.Plane) *Image {
	return newImage([]int32{int32(p.Width), int32(p.Height)}, p.Data)
}

// Creates a three-axis FITS image from three channel planes, copying the data
func NewImageFromChannels(r, g, b *plane.Plane) (*Image, error) {
	if err := plane.CheckShapes(r, g, b); err != nil {
		return nil, err
	}
	img, err := NewImageFromNaxisn([]int32{int32(r.Width), int32(r.Height), 3}, nil)
	if err != nil {
		return nil, err
	}
	size := r.Width * r.Height
	for c, p := range []*plane.Plane{r, g, b} {
		copy(img.Data[c*size:(c+1)*size], p.Data)
	}
	return img, nil
}

// Returns the image data as a volume, sharing the data. Two-axis images have depth 1
func (f *Image) Volume() (*plane.Volume, error) {
	switch len(f.Naxisn) {
	case 2:
		return plane.NewVolumeFromData(int(f.Naxisn[0]), int(f.Naxisn[1]), 1, f.Data)
	case 3:
		return plane.NewVolumeFromData(int(f.Naxisn[0]), int(f.Naxisn[1]), int(f.Naxisn[2]), f.Data)
	default:
		return nil, fmt.Errorf("%d: %w: %s is not a volume", f.ID, ErrNaxis, f.DimensionsToString())
	}
}

// Returns three color channel planes sharing the image data. A monochrome
// image yields the same plane three times
func (f *Image) Channels() (r, g, b *plane.Plane, err error) {
	v, err := f.Volume()
	if err != nil {
		return nil, nil, nil, err
	}
	switch v.Depth {
	case 1:
		p := v.Slice(0)
		return p, p, p, nil
	case 3:
		return v.Slice(0), v.Slice(1), v.Slice(2), nil
	default:
		return nil, nil, nil, fmt.Errorf("%d: %w: %s has %d channels, want 1 or 3", f.ID, ErrNaxis, f.DimensionsToString(), v.Depth)
	}
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float32
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int32),
		Floats:   make(map[string]float32),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

// Block size of FITS header and data units
const fitsBlockSize int = 2880

// Line size of a FITS header
const HeaderLineSize int = 80

// Buffer length for reading and writing data
const bufLen int = 16 * 1024

func (f *Image) DimensionsToString() string {
	b := strings.Builder{}
	for i, naxis := range f.Naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}
