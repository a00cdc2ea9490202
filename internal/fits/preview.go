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
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path"
	"strings"

	"golang.org/x/image/tiff"
)

// Maps a value from [min,max] to [0,1] with the given gamma. NaNs become zero
type normalizer struct {
	min, scale float32
	gammaInv   float64
}

func newNormalizer(min, max, gamma float32) normalizer {
	scale := float32(1)
	if max > min {
		scale = 1 / (max - min)
	}
	if !(gamma > 0) {
		gamma = 1
	}
	return normalizer{min: min, scale: scale, gammaInv: float64(1 / gamma)}
}

func (n normalizer) apply(v float32) float32 {
	v = (v - n.min) * n.scale
	// replace NaNs with zeros for export, else output breaks
	if math.IsNaN(float64(v)) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	if n.gammaInv != 1.0 {
		v = float32(math.Pow(float64(v), n.gammaInv))
	}
	return v
}

// Range used for preview output. Falls back to the data range if min>=max
func (f *Image) previewRange(min, max float32) (float32, float32) {
	if min < max || f.Stats == nil {
		return min, max
	}
	return f.Stats.Min, f.Stats.Max
}

// Writes the first plane of the image, or all three channels of a color
// image, as a preview. Format is selected by suffix: .tif/.tiff for 16-bit
// TIFF, .png for 16-bit PNG, .jpg/.jpeg for JPEG. If min>=max, the data
// range is used
func (f *Image) WritePreviewFile(fileName string, min, max, gamma float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	min, max = f.previewRange(min, max)
	isColor := len(f.Naxisn) == 3 && f.Naxisn[2] == 3
	switch ext := strings.ToLower(path.Ext(fileName)); ext {
	case ".tif", ".tiff":
		if isColor {
			err = f.WriteTIFF16(writer, min, max, gamma)
		} else {
			err = f.WriteMonoTIFF16(writer, min, max, gamma)
		}
	case ".png":
		err = png.Encode(writer, f.gray16(min, max, gamma))
	case ".jpg", ".jpeg":
		err = f.WriteMonoJPG(writer, min, max, gamma, 95)
	default:
		err = fmt.Errorf("%d: unknown preview format %s", f.ID, ext)
	}
	if err != nil {
		return err
	}
	return writer.Flush()
}

// Write a three-channel image to 16-bit TIFF, using the given min, max and gamma.
func (f *Image) WriteTIFF16(writer io.Writer, min, max, gamma float32) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	size := width * height
	img := image.NewRGBA64(image.Rect(0, 0, width, height))
	n := newNormalizer(min, max, gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			r := n.apply(f.Data[yoffset+x])
			g := n.apply(f.Data[yoffset+x+size])
			b := n.apply(f.Data[yoffset+x+size*2])
			img.SetRGBA64(x, y, color.RGBA64{uint16(r * 65535), uint16(g * 65535), uint16(b * 65535), 65535})
		}
	}
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Converts the first plane to a 16-bit grayscale image
func (f *Image) gray16(min, max, gamma float32) *image.Gray16 {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray16(image.Rect(0, 0, width, height))
	n := newNormalizer(min, max, gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{uint16(n.apply(f.Data[yoffset+x]) * 65535)})
		}
	}
	return img
}

// Write the first plane of an image to 16-bit grayscale TIFF, using the given min, max and gamma.
func (f *Image) WriteMonoTIFF16(writer io.Writer, min, max, gamma float32) error {
	return tiff.Encode(writer, f.gray16(min, max, gamma), &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Write the first plane of an image to grayscale JPG, using the given min, max and gamma.
func (f *Image) WriteMonoJPG(writer io.Writer, min, max, gamma float32, quality int) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray(image.Rect(0, 0, width, height))
	n := newNormalizer(min, max, gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{uint8(n.apply(f.Data[yoffset+x]) * 255)})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}
