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
	"strings"

	"github.com/mlnoga/guidedcost/internal/fits"
	"github.com/mlnoga/guidedcost/internal/stats"
)

// Expands %d in the pattern with the image id
func expandPattern(pattern string, id int) string {
	if strings.Contains(pattern, "%d") {
		return fmt.Sprintf(pattern, id)
	}
	return pattern
}

// Returns true if the file name has a FITS suffix, optionally gzipped
func isFITSName(fileName string) bool {
	fnLower := strings.ToLower(fileName)
	fnLower = strings.TrimSuffix(strings.TrimSuffix(fnLower, ".gz"), ".gzip")
	return strings.HasSuffix(fnLower, ".fits") || strings.HasSuffix(fnLower, ".fit") || strings.HasSuffix(fnLower, ".fts")
}

// Saves given promise under a given filename, with pattern expansion for %d based on the image id.
// FITS suffixes write the full volume, raster suffixes a preview of the first slice.
// Takes one input, produces one output (the materialized but unchanged input)
type OpSave struct {
	OpUnaryBase
	FilePattern string `json:"filePattern"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpSaveDefault() }) } // register the operator for JSON decoding

func NewOpSaveDefault() *OpSave { return NewOpSave("") }

func NewOpSave(filenamePattern string) *OpSave {
	op := &OpSave{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "save", Active: filenamePattern != ""}},
		FilePattern: filenamePattern,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpSave) UnmarshalJSON(data []byte) error {
	type defaults OpSave
	def := defaults(*NewOpSaveDefault())
	def.Active = true // active unless stated otherwise, empty patterns are skipped on apply
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpSave(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Rejects disallowed file patterns before any promise runs
func (op *OpSave) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if op.Active && op.FilePattern != "" {
		if err := checkPath(op.FilePattern, c); err != nil {
			return nil, fmt.Errorf("%s operator: %w", op.Type, err)
		}
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpSave) Apply(f *fits.Image, c *Context) (result *fits.Image, err error) {
	if op.FilePattern == "" {
		return f, nil
	}
	fileName := expandPattern(op.FilePattern, f.ID)
	if err := checkPath(fileName, c); err != nil {
		return nil, fmt.Errorf("%d: %w", f.ID, err)
	}

	if isFITSName(fileName) {
		c.Log.Infof("%d: Writing %s pixel FITS to %s", f.ID, f.DimensionsToString(), fileName)
		err = f.WriteFile(fileName)
	} else {
		if f.Stats == nil {
			f.Stats = stats.NewBasicStats(f.Data)
		}
		c.Log.Infof("%d: Writing %s pixel preview to %s", f.ID, f.DimensionsToString(), fileName)
		err = f.WritePreviewFile(fileName, 0, 0, 1)
	}
	if err != nil {
		return nil, fmt.Errorf("%d: error writing to file %s: %w", f.ID, fileName, err)
	}
	return f, nil
}

// Saves a single disparity slice of a cost volume as a 16-bit preview image,
// stretched from Min to Max with the given gamma. If Min>=Max the slice range is used.
// Takes one input, produces one output (the materialized but unchanged input)
type OpSaveSlice struct {
	OpUnaryBase
	FilePattern string  `json:"filePattern"`
	Slice       int     `json:"slice"`
	Min         float32 `json:"min"`
	Max         float32 `json:"max"`
	Gamma       float32 `json:"gamma"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpSaveSliceDefault() }) } // register the operator for JSON decoding

func NewOpSaveSliceDefault() *OpSaveSlice { return NewOpSaveSlice("", 0) }

func NewOpSaveSlice(filenamePattern string, slice int) *OpSaveSlice {
	op := &OpSaveSlice{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "saveSlice", Active: filenamePattern != ""}},
		FilePattern: filenamePattern,
		Slice:       slice,
		Gamma:       1,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpSaveSlice) UnmarshalJSON(data []byte) error {
	type defaults OpSaveSlice
	def := defaults(*NewOpSaveSliceDefault())
	def.Active = true // active unless stated otherwise, empty patterns are skipped on apply
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpSaveSlice(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Rejects disallowed file patterns before any promise runs
func (op *OpSaveSlice) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if op.Active && op.FilePattern != "" {
		if err := checkPath(op.FilePattern, c); err != nil {
			return nil, fmt.Errorf("%s operator: %w", op.Type, err)
		}
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpSaveSlice) Apply(f *fits.Image, c *Context) (result *fits.Image, err error) {
	if op.FilePattern == "" {
		return f, nil
	}
	v, err := f.Volume()
	if err != nil {
		return nil, err
	}
	if op.Slice < 0 || op.Slice >= v.Depth {
		return nil, fmt.Errorf("%d: slice %d out of range for depth %d", f.ID, op.Slice, v.Depth)
	}
	fileName := expandPattern(op.FilePattern, f.ID)
	if err := checkPath(fileName, c); err != nil {
		return nil, fmt.Errorf("%d: %w", f.ID, err)
	}

	slice := fits.NewImageFromPlane(v.Slice(op.Slice))
	slice.ID = f.ID
	slice.Stats = stats.NewBasicStats(slice.Data)
	c.Log.Infof("%d: Writing slice %d with %v to %s", f.ID, op.Slice, slice.Stats, fileName)
	if err := slice.WritePreviewFile(fileName, op.Min, op.Max, op.Gamma); err != nil {
		return nil, fmt.Errorf("%d: error writing to file %s: %w", f.ID, fileName, err)
	}
	return f, nil
}
