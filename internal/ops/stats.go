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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/mlnoga/guidedcost/internal/fits"
	"github.com/mlnoga/guidedcost/internal/stats"
)

// Computes statistics of each input, optionally per disparity slice, logs them
// and, if a file name is given, exports them as CSV.
// Takes n inputs, produces n outputs (the materialized but unchanged inputs)
type OpStats struct {
	OpUnaryBase
	FileName string `json:"fileName"`
	PerSlice bool   `json:"perSlice"`
	Samples  int    `json:"samples"`

	mutex sync.Mutex `json:"-"`
	rows  []statsRow `json:"-"`
}

// One line of the CSV export
type statsRow struct {
	ID    int
	Slice int // -1 for the whole volume
	Stats *stats.Stats
}

func init() { SetOperatorFactory(func() Operator { return NewOpStatsDefault() }) } // register the operator for JSON decoding

func NewOpStatsDefault() *OpStats { return NewOpStats("", false) }

func NewOpStats(fileName string, perSlice bool) *OpStats {
	op := &OpStats{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "stats", Active: true}},
		FileName:    fileName,
		PerSlice:    perSlice,
		Samples:     stats.DefaultSamples,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpStats) UnmarshalJSON(data []byte) error {
	var def struct {
		OpBase
		FileName string `json:"fileName"`
		PerSlice bool   `json:"perSlice"`
		Samples  int    `json:"samples"`
	}
	d := NewOpStatsDefault()
	def.OpBase, def.Samples = d.OpBase, d.Samples
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	op.OpUnaryBase = OpUnaryBase{OpBase: def.OpBase}
	op.FileName, op.PerSlice, op.Samples = def.FileName, def.PerSlice, def.Samples
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op
	return nil
}

func (op *OpStats) Apply(f *fits.Image, c *Context) (result *fits.Image, err error) {
	s := stats.NewStats(f.Data, op.Samples)
	f.Stats = s
	c.Log.Infof("%d: %s %v", f.ID, f.DimensionsToString(), s)
	rows := []statsRow{{ID: f.ID, Slice: -1, Stats: s}}

	if op.PerSlice {
		v, err := f.Volume()
		if err != nil {
			return nil, err
		}
		for d := 0; d < v.Depth; d++ {
			ss := stats.NewStats(v.Slice(d).Data, op.Samples)
			c.Log.Debugf("%d: slice %d %v", f.ID, d, ss)
			rows = append(rows, statsRow{ID: f.ID, Slice: d, Stats: ss})
		}
	}

	if op.FileName == "" {
		return f, nil
	}
	op.mutex.Lock() // lock so a single thread writes the file
	defer op.mutex.Unlock()
	op.rows = append(op.rows, rows...)
	if err := op.writeCSV(); err != nil {
		return nil, fmt.Errorf("%d: writing statistics to %s: %w", f.ID, op.FileName, err)
	}
	return f, nil
}

// Rewrites the CSV file with all rows collected so far, ordered by ID and slice
func (op *OpStats) writeCSV() error {
	sort.Slice(op.rows, func(i, j int) bool {
		if op.rows[i].ID != op.rows[j].ID {
			return op.rows[i].ID < op.rows[j].ID
		}
		return op.rows[i].Slice < op.rows[j].Slice
	})

	file, err := os.Create(op.FileName)
	if err != nil {
		return err
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	fmt.Fprintf(w, "ID,Slice,%s\n", (&stats.Stats{}).ToCSVHeader())
	for _, r := range op.rows {
		fmt.Fprintf(w, "%d,%d,%s\n", r.ID, r.Slice, r.Stats.ToCSVLine())
	}
	return w.Flush()
}
