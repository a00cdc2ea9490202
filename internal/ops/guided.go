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

package ops

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/fits"
	"github.com/mlnoga/guidedcost/internal/guided"
	"github.com/mlnoga/guidedcost/internal/plane"
	"github.com/mlnoga/guidedcost/internal/stats"
)

// Filters cost volumes with a guided filter. The guidance image is loaded and
// its statistics prepared once, then shared by all inputs.
// Takes n inputs, produces n outputs
type OpGuidedFilter struct {
	OpUnaryBase
	GuideFile     string  `json:"guideFile"`     // FITS, TIFF, PNG or JPEG guidance image
	Linear        bool    `json:"linear"`        // Convert sRGB guidance values to linear light
	Window        int     `json:"window"`        // Odd box window size
	Epsilon       float32 `json:"epsilon"`       // Regularization, must be positive
	ResizeGuide   bool    `json:"resizeGuide"`   // Resize the guidance image to the first cost volume
	Staged        bool    `json:"staged"`        // Materialize every stage for the full volume
	CoeffsPattern string  `json:"coeffsPattern"` // If set, also save the unsmoothed coefficients as FITS

	guide   *guided.Guide   `json:"-"`
	moments *guided.Moments `json:"-"`
	once    sync.Once       `json:"-"`
	err     error           `json:"-"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpGuidedFilterDefault() }) } // register the operator for JSON decoding

func NewOpGuidedFilterDefault() *OpGuidedFilter { return NewOpGuidedFilter("", box.DefaultWindow, 0) }

func NewOpGuidedFilter(guideFile string, window int, eps float32) *OpGuidedFilter {
	op := &OpGuidedFilter{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "guidedFilter", Active: true}},
		GuideFile:   guideFile,
		Window:      window,
		Epsilon:     eps,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Creates an operator with an in-memory guidance image instead of a guide file
func NewOpGuidedFilterFromGuide(g *guided.Guide, window int, eps float32) *OpGuidedFilter {
	op := NewOpGuidedFilter("", window, eps)
	op.guide = g
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpGuidedFilter) UnmarshalJSON(data []byte) error {
	type defaults struct {
		OpBase
		GuideFile     string  `json:"guideFile"`
		Linear        bool    `json:"linear"`
		ResizeGuide   bool    `json:"resizeGuide"`
		Window        int     `json:"window"`
		Epsilon       float32 `json:"epsilon"`
		Staged        bool    `json:"staged"`
		CoeffsPattern string  `json:"coeffsPattern"`
	}
	d := NewOpGuidedFilterDefault()
	def := defaults{OpBase: d.OpBase, GuideFile: d.GuideFile, Window: d.Window, Epsilon: d.Epsilon}
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpGuidedFilter{
		OpUnaryBase:   OpUnaryBase{OpBase: def.OpBase},
		GuideFile:     def.GuideFile,
		Linear:        def.Linear,
		ResizeGuide:   def.ResizeGuide,
		Window:        def.Window,
		Epsilon:       def.Epsilon,
		Staged:        def.Staged,
		CoeffsPattern: def.CoeffsPattern,
	}
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Validates parameters and the guide file before any promise runs
func (op *OpGuidedFilter) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if op.Active {
		if err := op.newFilter(c).Validate(); err != nil {
			return nil, fmt.Errorf("%s operator: %w", op.Type, err)
		}
		if op.guide == nil && op.GuideFile == "" {
			return nil, fmt.Errorf("%s operator without guide file", op.Type)
		}
		for _, p := range []string{op.GuideFile, op.CoeffsPattern} {
			if err := checkPath(p, c); err != nil {
				return nil, fmt.Errorf("%s operator: %w", op.Type, err)
			}
		}
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpGuidedFilter) newFilter(c *Context) *guided.Filter {
	return &guided.Filter{
		Window:     op.Window,
		Epsilon:    op.Epsilon,
		MaxThreads: c.MaxThreads,
		MemoryMB:   c.FilterMemoryMB,
		Staged:     op.Staged,
		Log:        c.Log,
	}
}

// Loads the guidance image and computes its statistics, once. The size of the
// first cost volume is the target size for resizing
func (op *OpGuidedFilter) prepare(width, height int, c *Context) (*guided.Moments, error) {
	op.once.Do(func() {
		if op.guide == nil {
			if !op.ResizeGuide {
				width, height = 0, 0
			}
			op.guide, op.err = LoadGuide(op.GuideFile, op.Linear, width, height, c)
			if op.err != nil {
				return
			}
		}
		op.moments, op.err = op.newFilter(c).Prepare(op.guide)
	})
	return op.moments, op.err
}

// Loads a guidance image from file. Monochrome images are replicated to three
// channels, FITS data outside [0,1] is rescaled to the unit range. If width
// and height are positive, the image is resized to them
func LoadGuide(fileName string, linear bool, width, height int, c *Context) (*guided.Guide, error) {
	img, err := fits.NewImageFromFile(fileName, -1, c.Log)
	if err != nil {
		return nil, fmt.Errorf("loading guide: %w", err)
	}
	if img.Stats != nil && (img.Stats.Min < 0 || img.Stats.Max > 1) && img.Stats.Max > img.Stats.Min {
		c.Log.Infof("Rescaling guide %s from [%g,%g] to [0,1]", fileName, img.Stats.Min, img.Stats.Max)
		po := plane.Ops{Threads: c.MaxThreads}
		p, err := plane.NewFromData(len(img.Data), 1, img.Data)
		if err != nil {
			return nil, err
		}
		if _, err := po.AddConst(p, p, -img.Stats.Min); err != nil {
			return nil, err
		}
		if _, err := po.MulConst(p, p, 1/(img.Stats.Max-img.Stats.Min)); err != nil {
			return nil, err
		}
	}
	if width > 0 && height > 0 {
		if img, err = img.Resize(width, height); err != nil {
			return nil, fmt.Errorf("resizing guide: %w", err)
		}
	}
	if linear {
		img.Linearize()
	}
	r, g, b, err := img.Channels()
	if err != nil {
		return nil, fmt.Errorf("loading guide: %w", err)
	}
	c.Log.Infof("Loaded %s guide from %s", img.DimensionsToString(), fileName)
	return guided.NewGuide(r, g, b)
}

func (op *OpGuidedFilter) Apply(f *fits.Image, c *Context) (result *fits.Image, err error) {
	cost, err := f.Volume()
	if err != nil {
		return nil, err
	}
	m, err := op.prepare(cost.Width, cost.Height, c)
	if err != nil {
		return nil, err
	}
	filter := op.newFilter(c)
	filter.Log = c.Log.WithField("id", f.ID)

	var out *plane.Volume
	if op.CoeffsPattern == "" {
		out, err = filter.ApplyMoments(c.Ctx, m, cost)
	} else {
		out, err = op.applyWithCoefficients(filter, m, f, cost, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%d: %w", f.ID, err)
	}

	result = fits.NewImageFromVolume(out)
	result.ID, result.FileName = f.ID, f.FileName
	result.Header.History = append(result.Header.History, f.Header.History...)
	op.annotate(&result.Header)
	result.Stats = stats.NewBasicStats(result.Data)
	c.Log.Infof("%d: Filtered to %v", f.ID, result.Stats)
	return result, nil
}

// Filters via explicit coefficient volumes, saving the unsmoothed coefficients as a 4-axis FITS file
func (op *OpGuidedFilter) applyWithCoefficients(filter *guided.Filter, m *guided.Moments, f *fits.Image, cost *plane.Volume, c *Context) (*plane.Volume, error) {
	coeffs, err := filter.Coefficients(c.Ctx, m, cost)
	if err != nil {
		return nil, err
	}
	fileName := expandPattern(op.CoeffsPattern, f.ID)
	if err := checkPath(fileName, c); err != nil {
		return nil, fmt.Errorf("%d: %w", f.ID, err)
	}
	img, err := CoefficientsImage(coeffs)
	if err != nil {
		return nil, fmt.Errorf("%d: %w", f.ID, err)
	}
	img.ID = f.ID
	op.annotate(&img.Header)
	c.Log.Infof("%d: Writing %s coefficients to %s", f.ID, img.DimensionsToString(), fileName)
	if err := img.WriteFile(fileName); err != nil {
		return nil, err
	}

	smoothed, err := guided.Smooth(coeffs, op.Window, c.MaxThreads)
	if err != nil {
		return nil, err
	}
	return guided.Reconstruct(m, smoothed)
}

// Packs the coefficient volumes AR, AG, AB and B into one image of size W x H x D x 4
func CoefficientsImage(coeffs *guided.Coefficients) (*fits.Image, error) {
	v := coeffs.B
	size := len(v.Data)
	img, err := fits.NewImageFromNaxisn([]int32{int32(v.Width), int32(v.Height), int32(v.Depth), 4}, nil)
	if err != nil {
		return nil, err
	}
	for i, c := range []*plane.Volume{coeffs.AR, coeffs.AG, coeffs.AB, coeffs.B} {
		copy(img.Data[i*size:(i+1)*size], c.Data)
	}
	return img, nil
}

func (op *OpGuidedFilter) annotate(h *fits.Header) {
	h.Ints["GFWINDOW"] = int32(op.Window)
	h.Floats["GFEPS"] = op.Epsilon
	if op.GuideFile != "" {
		h.Strings["GUIDE"] = op.GuideFile
	}
	h.History = append(h.History, fmt.Sprintf("guided filter window %d epsilon %g", op.Window, op.Epsilon))
}
