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
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/fits"
	"github.com/mlnoga/guidedcost/internal/guided"
	"github.com/mlnoga/guidedcost/internal/synth"
)

func testContext() (*Context, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	c := NewContext(log)
	c.MaxThreads = 2
	return c, hook
}

// Writes a synthetic scene as guide.fits and cost<i>.fits into dir
func writeScene(t *testing.T, dir string, n int) *synth.Scene {
	t.Helper()
	s, err := synth.New(synth.Params{Width: 14, Height: 11, Depth: 5, Regions: 4, Noise: 0.2, Seed: 11})
	if err != nil {
		t.Fatal(err)
	}
	g, err := fits.NewImageFromChannels(s.Guide.R, s.Guide.G, s.Guide.B)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.WriteFile(filepath.Join(dir, "guide.fits")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, "cost"+string(rune('0'+i))+".fits")
		if err := fits.NewImageFromVolume(s.Cost).WriteFile(name); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestPipeline(t *testing.T) {
	dir := t.TempDir()
	s := writeScene(t, dir, 2)
	c, hook := testContext()

	seq := NewOpSequence(
		NewOpLoadMany([]string{filepath.Join(dir, "cost*.fits")}),
		NewOpGuidedFilter(filepath.Join(dir, "guide.fits"), 3, 0.01),
		NewOpSave(filepath.Join(dir, "out%d.fits")),
	)
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		t.Fatal(err)
	}
	outs, err := MaterializeAll(promises, c.MaxThreads, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 2 {
		t.Fatalf("got %d outputs; want 2", len(outs))
	}

	want, err := (&guided.Filter{Window: 3, Epsilon: 0.01, MaxThreads: 1}).Apply(context.Background(), s.Guide, s.Cost)
	if err != nil {
		t.Fatal(err)
	}
	for id := 0; id < 2; id++ {
		img, err := fits.NewImageFromFile(filepath.Join(dir, "out"+string(rune('0'+id))+".fits"), id, c.Log)
		if err != nil {
			t.Fatal(err)
		}
		if img.DimensionsToString() != "14x11x5" {
			t.Errorf("output %d dims %s; want 14x11x5", id, img.DimensionsToString())
		}
		if img.Header.Ints["GFWINDOW"] != 3 {
			t.Errorf("output %d GFWINDOW=%d; want 3", id, img.Header.Ints["GFWINDOW"])
		}
		for i := range want.Data {
			if d := math.Abs(float64(img.Data[i] - want.Data[i])); d > 1e-5 {
				t.Fatalf("output %d value %d: got %g; want %g", id, i, img.Data[i], want.Data[i])
			}
		}
	}

	loaded := 0
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "Loaded 14x11x5 volume") {
			loaded++
		}
	}
	if loaded != 2 {
		t.Errorf("logged %d loads; want 2", loaded)
	}
}

func TestCoefficientsOutput(t *testing.T) {
	dir := t.TempDir()
	s := writeScene(t, dir, 1)
	c, _ := testContext()

	op := NewOpGuidedFilterFromGuide(s.Guide, 3, 0.01)
	op.CoeffsPattern = filepath.Join(dir, "coeffs%d.fits")
	promises, err := NewOpSequence(NewOpLoad(0, filepath.Join(dir, "cost0.fits")), op).MakePromises(nil, c)
	if err != nil {
		t.Fatal(err)
	}
	outs, err := MaterializeAll(promises, 1, false)
	if err != nil {
		t.Fatal(err)
	}

	want, err := (&guided.Filter{Window: 3, Epsilon: 0.01, MaxThreads: 1}).Apply(context.Background(), s.Guide, s.Cost)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want.Data {
		if d := math.Abs(float64(outs[0].Data[i] - want.Data[i])); d > 1e-4 {
			t.Fatalf("value %d: got %g; want %g", i, outs[0].Data[i], want.Data[i])
		}
	}

	coeffs, err := fits.NewImageFromFile(filepath.Join(dir, "coeffs0.fits"), 0, c.Log)
	if err != nil {
		t.Fatal(err)
	}
	if coeffs.DimensionsToString() != "14x11x5x4" {
		t.Errorf("coefficient dims %s; want 14x11x5x4", coeffs.DimensionsToString())
	}
}

func TestGuidedFilterRejectsMissingEpsilon(t *testing.T) {
	c, _ := testContext()
	in := func() (*fits.Image, error) { return nil, errors.New("not materialized") }
	_, err := NewOpGuidedFilter("guide.fits", 3, 0).MakePromises([]Promise{in}, c)
	if !errors.Is(err, guided.ErrEpsilon) {
		t.Errorf("err=%v; want ErrEpsilon", err)
	}
	_, err = NewOpGuidedFilter("", 3, 0.1).MakePromises([]Promise{in}, c)
	if err == nil {
		t.Errorf("missing guide file accepted")
	}
}

func TestGuideRescaled(t *testing.T) {
	dir := t.TempDir()
	img, err := fits.NewImageFromNaxisn([]int32{4, 2}, []float32{0, 64, 128, 192, 256, 320, 384, 512})
	if err != nil {
		t.Fatal(err)
	}
	name := filepath.Join(dir, "mono.fits")
	if err := img.WriteFile(name); err != nil {
		t.Fatal(err)
	}
	c, _ := testContext()
	g, err := LoadGuide(name, false, 0, 0, c)
	if err != nil {
		t.Fatal(err)
	}
	if g.R.Data[0] != 0 || g.R.Data[7] != 1 || g.G.Data[1] != 0.125 {
		t.Errorf("rescaled guide %v; want [0,1] range", g.R.Data)
	}
}

func TestRestrictPaths(t *testing.T) {
	c, _ := testContext()
	c.RestrictPaths = true
	for _, name := range []string{"/etc/passwd", "../secret.fits", "a/../../b.fits"} {
		if _, err := NewOpLoad(0, name).MakePromises(nil, c); !errors.Is(err, ErrPathNotAllowed) {
			t.Errorf("load of %s: got %v; want %v", name, err, ErrPathNotAllowed)
		}
		if _, err := NewOpLoadMany([]string{name}).MakePromises(nil, c); !errors.Is(err, ErrPathNotAllowed) {
			t.Errorf("load pattern %s: got %v; want %v", name, err, ErrPathNotAllowed)
		}
	}
	in := []Promise{func() (*fits.Image, error) { return fits.NewImage(), nil }}
	for _, op := range []Operator{
		NewOpSave("/tmp/out%d.fits"),
		NewOpSaveSlice("../slice%d.png", 0),
		NewOpGuidedFilter("/etc/guide.fits", 3, 0.01),
	} {
		if _, err := op.MakePromises(in, c); !errors.Is(err, ErrPathNotAllowed) {
			t.Errorf("%s: got %v; want %v", op.GetType(), err, ErrPathNotAllowed)
		}
	}
	if _, err := NewOpSave("/tmp/out%d.fits").MakePromises(in, &Context{Log: c.Log}); err != nil {
		t.Errorf("unrestricted save: %v", err)
	}
	if !isPathAllowed("data/cost.fits") {
		t.Errorf("relative path rejected")
	}
}

func TestMaterializeAllJoinsErrors(t *testing.T) {
	errA, errB := errors.New("a failed"), errors.New("b failed")
	ok := fits.NewImage()
	ins := []Promise{
		func() (*fits.Image, error) { return nil, errA },
		func() (*fits.Image, error) { return ok, nil },
		func() (*fits.Image, error) { return nil, errB },
	}
	outs, err := MaterializeAll(ins, 2, false)
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("err=%v; want both failures", err)
	}
	if len(outs) != 1 || outs[0] != ok {
		t.Errorf("outs=%v; want the successful image only", outs)
	}
	if outs, err := MaterializeAll(ins[1:2], 1, true); err != nil || outs != nil {
		t.Errorf("forget: outs=%v err=%v; want nil, nil", outs, err)
	}
}

func TestSequenceJSON(t *testing.T) {
	job := `{"type":"seq","active":true,"steps":[
		{"type":"loadMany","filePatterns":["cost*.fits"]},
		{"type":"guidedFilter","guideFile":"left.tif","epsilon":0.001},
		{"type":"forEach","active":true,"operation":{"type":"saveSlice","filePattern":"slice%d.tif","slice":2}},
		{"type":"save","filePattern":"out%d.fits"}
	]}`
	seq := NewOpSequenceDefault()
	if err := json.Unmarshal([]byte(job), seq); err != nil {
		t.Fatal(err)
	}
	if len(seq.Steps) != 4 {
		t.Fatalf("decoded %d steps; want 4", len(seq.Steps))
	}
	gf, ok := seq.Steps[1].(*OpGuidedFilter)
	if !ok {
		t.Fatalf("step 1 is %T; want *OpGuidedFilter", seq.Steps[1])
	}
	if gf.Window != box.DefaultWindow || gf.Epsilon != 0.001 || !gf.Active || gf.GuideFile != "left.tif" {
		t.Errorf("guided filter %+v; want defaults with epsilon 0.001", gf)
	}
	fe := seq.Steps[2].(*OpForEach)
	ss, ok := fe.Operation.(*OpSaveSlice)
	if !ok || ss.Slice != 2 || ss.Gamma != 1 || !ss.Active {
		t.Errorf("forEach operation %+v; want saveSlice of slice 2", fe.Operation)
	}
	if save := seq.Steps[3].(*OpSave); !save.Active || save.FilePattern != "out%d.fits" {
		t.Errorf("save %+v; want active with pattern", save)
	}

	// marshal and decode again
	bs, err := json.Marshal(seq)
	if err != nil {
		t.Fatal(err)
	}
	again := NewOpSequenceDefault()
	if err := json.Unmarshal(bs, again); err != nil {
		t.Fatalf("%v in %s", err, bs)
	}
	if len(again.Steps) != 4 || again.Steps[2].(*OpForEach).Operation.GetType() != "saveSlice" {
		t.Errorf("round trip lost steps: %s", bs)
	}

	if err := json.Unmarshal([]byte(`{"type":"seq","steps":[{"type":"sharpen"}]}`), NewOpSequenceDefault()); err == nil {
		t.Errorf("unknown operator type accepted")
	}
}

func TestSaveSliceAndStats(t *testing.T) {
	dir := t.TempDir()
	writeScene(t, dir, 2)
	c, _ := testContext()

	statsFile := filepath.Join(dir, "stats.csv")
	seq := NewOpSequence(
		NewOpLoadMany([]string{filepath.Join(dir, "cost*.fits")}),
		NewOpStats(statsFile, true),
		NewOpSaveSlice(filepath.Join(dir, "slice%d.tif"), 4),
		NewOpSave(filepath.Join(dir, "preview%d.png")),
	)
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := MaterializeAll(promises, 2, true); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"slice0.tif", "slice1.tif", "preview0.png", "preview1.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing output: %v", err)
		}
	}

	csv, err := os.ReadFile(statsFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	if want := 1 + 2*(1+5); len(lines) != want { // header, then volume and 5 slices per image
		t.Errorf("stats file has %d lines; want %d", len(lines), want)
	}
	if !strings.HasPrefix(lines[0], "ID,Slice,Count") || !strings.HasPrefix(lines[1], "0,-1,") {
		t.Errorf("unexpected stats file start %q %q", lines[0], lines[1])
	}

	bad := NewOpSaveSlice(filepath.Join(dir, "bad.tif"), 5)
	if _, err := bad.Apply(fits.NewImageFromVolume(writeScene(t, dir, 0).Cost), c); err == nil {
		t.Errorf("slice 5 of depth 5 accepted")
	}
}

func TestGuideResized(t *testing.T) {
	dir := t.TempDir()
	s := writeScene(t, dir, 1)
	small := filepath.Join(dir, "small.fits")
	img, err := fits.NewImageFromNaxisn([]int32{7, 5, 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range img.Data {
		img.Data[i] = 0.5
	}
	if err := img.WriteFile(small); err != nil {
		t.Fatal(err)
	}
	c, _ := testContext()

	op := NewOpGuidedFilter(small, 3, 0.01)
	op.ResizeGuide = true
	promises, err := NewOpSequence(NewOpLoad(0, filepath.Join(dir, "cost0.fits")), op).MakePromises(nil, c)
	if err != nil {
		t.Fatal(err)
	}
	outs, err := MaterializeAll(promises, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if op.guide.Width() != s.Cost.Width || op.guide.Height() != s.Cost.Height {
		t.Errorf("guide %dx%d; want %dx%d", op.guide.Width(), op.guide.Height(), s.Cost.Width, s.Cost.Height)
	}
	if len(outs) != 1 || len(outs[0].Data) != len(s.Cost.Data) {
		t.Errorf("unexpected output %v", outs)
	}

	// without resizing, the shape mismatch is an error
	op = NewOpGuidedFilter(small, 3, 0.01)
	promises, err = NewOpSequence(NewOpLoad(0, filepath.Join(dir, "cost0.fits")), op).MakePromises(nil, c)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := MaterializeAll(promises, 1, false); err == nil {
		t.Errorf("7x5 guide accepted for 14x11 cost volume")
	}
}
