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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/pbnjay/memory"
	"github.com/sirupsen/logrus"

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/fits"
	"github.com/mlnoga/guidedcost/internal/guided"
	"github.com/mlnoga/guidedcost/internal/ops"
	"github.com/mlnoga/guidedcost/internal/plane"
	"github.com/mlnoga/guidedcost/internal/rest"
	"github.com/mlnoga/guidedcost/internal/stats"
	"github.com/mlnoga/guidedcost/internal/synth"
)

const version = "0.1.0"

var totalMiBs = memory.TotalMemory() / 1024 / 1024

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out = flag.String("out", "out.fits", "save output to `file`. Use a pattern like `out%d.fits` for several inputs")
var logName = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")
var logJSON = flag.Bool("logjson", false, "log in JSON format")
var debugLog = flag.Bool("debug", false, "log debug output")

var guide = flag.String("guide", "", "guidance image `file`, FITS with 1 or 3 channels, or TIFF, PNG, JPEG")
var linear = flag.Bool("linear", false, "convert sRGB guidance images to linear light")
var resizeGuide = flag.Bool("resize", false, "resize the guidance image to the size of the first cost volume")
var window = flag.Int("window", box.DefaultWindow, "box window size in pixels, odd")
var eps = flag.Float64("eps", -1, "regularization epsilon, required, e.g. 1e-4 for guidance in [0,1]")
var staged = flag.Bool("staged", false, "compute each filter stage for the full volume instead of streaming slices")
var coeffs = flag.String("coeffs", "", "save unsmoothed linear coefficients with given filename pattern, e.g. `coeffs%d.fits`")
var preview = flag.String("preview", "", "save 16-bit preview of one slice with given filename pattern, e.g. `slice%d.tif`")
var slice = flag.Int("slice", 0, "disparity slice for the preview")

var job = flag.String("job", "", "run the operator sequence from JSON `file` instead of the flags")
var csv = flag.String("csv", "", "save statistics as CSV to `file`")
var perSlice = flag.Bool("perSlice", false, "compute statistics per disparity slice")

var threads = flag.Int("threads", runtime.GOMAXPROCS(0), "maximum number of concurrent goroutines")
var memoryMB = flag.Int("memory", int((totalMiBs*7)/10), "total MiB of memory to use for filter buffers, default=0.7x physical memory")

var width = flag.Int("width", 640, "synthetic scene width")
var height = flag.Int("height", 480, "synthetic scene height")
var depth = flag.Int("depth", 64, "synthetic scene disparity range")
var regions = flag.Int("regions", 40, "synthetic scene number of regions")
var noise = flag.Float64("noise", 0.3, "synthetic scene cost noise amplitude")
var seed = flag.Uint("seed", 1, "synthetic scene random seed")

var addr = flag.String("addr", ":8080", "address to serve the REST API on")
var chroot = flag.String("chroot", "", "change filesystem root to `dir` before serving, requires root")
var setuid = flag.Int("setuid", -1, "change user id before serving, -1 to keep")

func main() {
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(os.Stdout, `guidedcost Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (filter|stats|bench|synth|serve|legal|version) (cost0.fits ... costn.fits)

Commands:
  filter  Filter cost volumes guided by the -guide image
  stats   Show cost volume statistics
  bench   Filter a synthetic scene and report throughput and accuracy
  synth   Save a synthetic scene: cost volume to -out, guidance image to -guide
  serve   Serve the REST API
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	// Initialize logging to file in addition to stdout, if selected
	if args[0] != "filter" && args[0] != "synth" && *logName == "%auto" {
		*logName = ""
	}
	*logName = autoName(*logName, *out, ".log")
	logger := newLogger(os.Stdout, *debugLog, *logJSON)
	var lf *logFile
	if *logName != "" {
		var err error
		if lf, err = logAlsoToFile(logger, *logName); err != nil {
			logger.Fatalf("Unable to open logfile '%s': %v", *logName, err)
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logger.Fatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			logger.Fatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	c := ops.NewContext(logger)
	c.Ctx, c.MaxThreads, c.FilterMemoryMB = ctx, *threads, *memoryMB

	var err error
	switch args[0] {
	case "filter":
		err = cmdFilter(args[1:], c)

	case "stats":
		err = cmdStats(args[1:], c)

	case "bench":
		err = cmdBench(c)

	case "synth":
		err = cmdSynth(c)

	case "serve":
		if err = rest.MakeSandbox(*chroot, *setuid, logger); err == nil {
			s := &rest.Server{Log: logger, MaxThreads: *threads, MemoryMB: *memoryMB}
			err = s.Serve(*addr)
		}

	case "legal":
		fmt.Print(legal)

	case "version":
		fmt.Printf("Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Printf("Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	logger.Infof("Done after %v", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			logger.Fatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			logger.Fatal("Could not write allocation profile: ", err)
		}
	}

	if err != nil {
		logger.Errorf("Error: %s", err.Error())
		lf.Close()
		os.Exit(-1)
	}
	if err := lf.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing log file: %s\n", err.Error())
	}
}

// Builds the operator sequence from the job file if given, else from the flags
func filterSequence(args []string) (*ops.OpSequence, error) {
	if *job != "" {
		return loadJob(*job, args)
	}
	if len(args) == 0 {
		return nil, errors.New("no cost volume files given")
	}
	if *eps <= 0 {
		return nil, fmt.Errorf("%w: set -eps, e.g. -eps 1e-4", guided.ErrEpsilon)
	}
	if *guide == "" {
		return nil, errors.New("no guidance image given, set -guide")
	}
	if len(args) > 1 && !strings.Contains(*out, "%d") {
		return nil, fmt.Errorf("output %s needs a %%d pattern for %d inputs", *out, len(args))
	}

	gf := ops.NewOpGuidedFilter(*guide, *window, float32(*eps))
	gf.Linear, gf.ResizeGuide, gf.Staged, gf.CoeffsPattern = *linear, *resizeGuide, *staged, *coeffs
	return ops.NewOpSequence(
		ops.NewOpLoadMany(args),
		gf,
		ops.NewOpSaveSlice(*preview, *slice),
		ops.NewOpSave(*out),
	), nil
}

// Decodes an operator sequence from a JSON file. File arguments are loaded before the sequence runs
func loadJob(fileName string, args []string) (*ops.OpSequence, error) {
	bs, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	seq := ops.NewOpSequenceDefault()
	if err := json.Unmarshal(bs, seq); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", fileName, err)
	}
	if len(args) > 0 {
		seq.Steps = append([]ops.Operator{ops.NewOpLoadMany(args)}, seq.Steps...)
	}
	seq.Active = true
	return seq, nil
}

func cmdFilter(args []string, c *ops.Context) error {
	seq, err := filterSequence(args)
	if err != nil {
		return err
	}
	m, err := json.MarshalIndent(seq, "", "  ")
	if err != nil {
		return err
	}
	c.Log.Infof("Running these steps:\n%s", string(m))
	return run(seq, c)
}

func cmdStats(args []string, c *ops.Context) error {
	if len(args) == 0 {
		return errors.New("no cost volume files given")
	}
	return run(ops.NewOpSequence(ops.NewOpLoadMany(args), ops.NewOpStats(*csv, *perSlice)), c)
}

// Materializes all promises of the sequence, one input at a time
func run(seq *ops.OpSequence, c *ops.Context) error {
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		return err
	}
	_, err = ops.MaterializeAll(promises, 1, true)
	return err
}

func sceneParams() synth.Params {
	return synth.Params{
		Width:   *width,
		Height:  *height,
		Depth:   *depth,
		Regions: *regions,
		Noise:   float32(*noise),
		Seed:    uint32(*seed),
	}
}

func cmdSynth(c *ops.Context) error {
	p := sceneParams()
	s, err := synth.New(p)
	if err != nil {
		return err
	}
	guideName := *guide
	if guideName == "" {
		guideName = "guide.fits"
	}
	g, err := fits.NewImageFromChannels(s.Guide.R, s.Guide.G, s.Guide.B)
	if err != nil {
		return err
	}
	c.Log.Infof("Writing guidance image of scene %v to %s", p, guideName)
	if err := g.WriteFile(guideName); err != nil {
		return err
	}
	img := fits.NewImageFromVolume(s.Cost)
	img.Header.History = append(img.Header.History, fmt.Sprintf("synthetic scene %v", p))
	c.Log.Infof("Writing %s cost volume to %s", img.DimensionsToString(), *out)
	return img.WriteFile(*out)
}

func cmdBench(c *ops.Context) error {
	epsilon := float32(*eps)
	if epsilon <= 0 {
		epsilon = 1e-3
	}
	p := sceneParams()
	c.Log.Infof("Generating scene %v", p)
	s, err := synth.New(p)
	if err != nil {
		return err
	}

	f := &guided.Filter{
		Window:     *window,
		Epsilon:    epsilon,
		MaxThreads: c.MaxThreads,
		MemoryMB:   c.FilterMemoryMB,
		Staged:     *staged,
		Log:        c.Log,
	}
	start := time.Now()
	filtered, err := f.Apply(c.Ctx, s.Guide, s.Cost)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	values := float64(len(s.Cost.Data))
	c.Log.WithFields(logrus.Fields{
		"window":  f.Window,
		"epsilon": f.Epsilon,
		"threads": f.MaxThreads,
		"staged":  f.Staged,
	}).Infof("Filtered %.1f Mvalues in %v, %.1f Mvalues/s", values/1e6, elapsed, values/1e6/elapsed.Seconds())

	before := synth.ErrorRate(synth.WinnerTakesAll(s.Cost), s.Truth, 1)
	after := synth.ErrorRate(synth.WinnerTakesAll(filtered), s.Truth, 1)
	c.Log.Infof("Winner-takes-all error rate %.2f%% before, %.2f%% after filtering", 100*before, 100*after)
	c.Log.Infof("Correlation with noise-free cost %.4f before, %.4f after filtering",
		stats.Correlation(s.Cost.Data, s.Ideal.Data), stats.Correlation(filtered.Data, s.Ideal.Data))
	for _, r := range []struct {
		name string
		cost *plane.Volume
	}{{"before", s.Cost}, {"after", filtered}} {
		mode, sigma, err := residual(r.cost.Data, s.Ideal.Data)
		if err != nil {
			c.Log.Warnf("Cannot fit residual %s filtering: %v", r.name, err)
			continue
		}
		c.Log.Infof("Residual to noise-free cost %s filtering: mode %.4g sigma %.4g", r.name, mode, sigma)
	}
	return nil
}

// Fits a normal distribution to the histogram of the differences a-b
func residual(a, b []float32) (mode, sigma float32, err error) {
	diff := make([]float32, len(a))
	for i := range a {
		diff[i] = a[i] - b[i]
	}
	return stats.HistogramModeStdDev(diff, -1, 1, 512)
}
