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

// Package rest serves the cost volume filter over HTTP.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mlnoga/guidedcost/internal/box"
	"github.com/mlnoga/guidedcost/internal/guided"
	"github.com/mlnoga/guidedcost/internal/ops"
	"github.com/mlnoga/guidedcost/internal/plane"
	"github.com/mlnoga/guidedcost/internal/stats"
)

// Header carrying the request ID
const RequestIDHeader = "X-Request-ID"

// Server settings shared by all requests
type Server struct {
	Log        *logrus.Logger
	MaxThreads int // Goroutines per request, 0 for all CPUs
	MemoryMB   int // Filter scratch budget per request, 0 for unlimited
}

// Creates the router with all API routes
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID)
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/filter", s.postFilter)
			v1.POST("/stats", s.postStats)
			v1.POST("/job", s.postJob)
		}
	}
	return r
}

// Listens and serves on the given address, e.g. ":8080"
func (s *Server) Serve(addr string) error {
	s.Log.Infof("Serving on %s", addr)
	return s.Router().Run(addr)
}

// Assigns each request a unique ID, returned as header and used as log field
func (s *Server) requestID(c *gin.Context) {
	id := uuid.NewString()
	c.Set("requestID", id)
	c.Header(RequestIDHeader, id)
	start := time.Now()
	c.Next()
	s.log(c).WithFields(logrus.Fields{
		"method":   c.Request.Method,
		"path":     c.Request.URL.Path,
		"status":   c.Writer.Status(),
		"duration": time.Since(start).String(),
	}).Info("Request done")
}

func (s *Server) log(c *gin.Context) logrus.FieldLogger {
	return s.Log.WithField("requestID", c.GetString("requestID"))
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

type postFilterArgs struct {
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Depth       int       `json:"depth"`
	Guide       []float32 `json:"guide"`       // Three channels, planar unless interleaved is set
	Interleaved bool      `json:"interleaved"` // Guide is RGBRGB... instead of RR..GG..BB..
	Cost        []float32 `json:"cost"`        // Depth slices of width x height values, x fastest
	Epsilon     *float32  `json:"epsilon"`     // Required
	Window      int       `json:"window"`      // Defaults to box.DefaultWindow
	Staged      bool      `json:"staged"`
}

type postFilterResult struct {
	ID      string    `json:"id"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	Depth   int       `json:"depth"`
	Cost    []float32 `json:"cost"`
	Clamped int       `json:"clamped"` // Pixels with a floored guidance covariance determinant
}

func (s *Server) postFilter(c *gin.Context) {
	log := s.log(c)
	var args postFilterArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		badRequest(c, log, err)
		return
	}
	if args.Epsilon == nil {
		badRequest(c, log, guided.ErrEpsilon)
		return
	}
	if args.Window == 0 {
		args.Window = box.DefaultWindow
	}

	g, err := makeGuide(&args)
	if err != nil {
		badRequest(c, log, err)
		return
	}
	cost, err := plane.NewVolumeFromData(args.Width, args.Height, args.Depth, args.Cost)
	if err != nil {
		badRequest(c, log, err)
		return
	}

	f := &guided.Filter{
		Window:     args.Window,
		Epsilon:    *args.Epsilon,
		MaxThreads: s.MaxThreads,
		MemoryMB:   s.MemoryMB,
		Staged:     args.Staged,
		Log:        log,
	}
	m, err := f.Prepare(g)
	if err != nil {
		badRequest(c, log, err)
		return
	}
	out, err := f.ApplyMoments(c.Request.Context(), m, cost)
	if err != nil {
		if errors.Is(err, plane.ErrShapeMismatch) || errors.Is(err, plane.ErrDimension) {
			badRequest(c, log, err)
			return
		}
		log.Errorf("Filter failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, postFilterResult{
		ID:      c.GetString("requestID"),
		Width:   out.Width,
		Height:  out.Height,
		Depth:   out.Depth,
		Cost:    out.Data,
		Clamped: m.Clamped,
	})
}

func makeGuide(args *postFilterArgs) (*guided.Guide, error) {
	if args.Interleaved {
		return guided.NewGuideFromInterleaved(args.Guide, args.Width, args.Height)
	}
	v, err := plane.NewVolumeFromData(args.Width, args.Height, 3, args.Guide)
	if err != nil {
		return nil, err
	}
	return guided.NewGuide(v.Slice(0), v.Slice(1), v.Slice(2))
}

type postStatsArgs struct {
	Data     []float32 `json:"data"`
	Samples  int       `json:"samples"` // Random samples for location and scale, defaults to stats.DefaultSamples
	Width    int       `json:"width"`   // Optional volume shape, for per-slice statistics
	Height   int       `json:"height"`
	Depth    int       `json:"depth"`
}

type postStatsResult struct {
	ID     string         `json:"id"`
	Stats  *stats.Stats   `json:"stats"`
	Slices []*stats.Stats `json:"slices,omitempty"`
}

func (s *Server) postStats(c *gin.Context) {
	log := s.log(c)
	var args postStatsArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		badRequest(c, log, err)
		return
	}
	if args.Samples <= 0 {
		args.Samples = stats.DefaultSamples
	}

	res := postStatsResult{ID: c.GetString("requestID"), Stats: stats.NewStats(args.Data, args.Samples)}
	if args.Depth > 0 {
		v, err := plane.NewVolumeFromData(args.Width, args.Height, args.Depth, args.Data)
		if err != nil {
			badRequest(c, log, err)
			return
		}
		for d := 0; d < v.Depth; d++ {
			res.Slices = append(res.Slices, stats.NewStats(v.Slice(d).Data, args.Samples))
		}
	}
	c.JSON(http.StatusOK, res)
}

type postJobArgs struct {
	FilePatterns []string        `json:"filePatterns"` // Cost volumes to load, relative to the working directory
	Sequence     json.RawMessage `json:"sequence"`     // Operator sequence, as in job files
}

type postJobItem struct {
	ID       int          `json:"id"`
	FileName string       `json:"fileName"`
	Naxisn   []int32      `json:"naxisn"`
	Stats    *stats.Stats `json:"stats"`
}

type postJobResult struct {
	ID      string        `json:"id"`
	Results []postJobItem `json:"results"`
}

// Runs an operator sequence on files below the working directory. Absolute
// paths and paths leaving the directory tree are rejected
func (s *Server) postJob(c *gin.Context) {
	log := s.log(c)
	var args postJobArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		badRequest(c, log, err)
		return
	}
	seq := ops.NewOpSequenceDefault()
	if len(args.Sequence) > 0 {
		if err := json.Unmarshal(args.Sequence, seq); err != nil {
			badRequest(c, log, err)
			return
		}
	}
	if len(seq.Steps) == 0 {
		badRequest(c, log, errors.New("missing operator sequence"))
		return
	}
	if len(args.FilePatterns) > 0 {
		seq.Steps = append([]ops.Operator{ops.NewOpLoadMany(args.FilePatterns)}, seq.Steps...)
	}
	seq.Active = true

	oc := ops.NewContext(s.Log)
	oc.Ctx, oc.FilterMemoryMB, oc.RestrictPaths = c.Request.Context(), s.MemoryMB, true
	if s.MaxThreads > 0 {
		oc.MaxThreads = s.MaxThreads
	}
	promises, err := seq.MakePromises(nil, oc)
	if err != nil {
		if errors.Is(err, ops.ErrPathNotAllowed) {
			log.Warnf("Forbidden: %v", err)
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		badRequest(c, log, err)
		return
	}
	outs, err := ops.MaterializeAll(promises, 1, false)
	if err != nil {
		log.Errorf("Job failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	res := postJobResult{ID: c.GetString("requestID"), Results: make([]postJobItem, 0, len(outs))}
	for _, f := range outs {
		if f.Stats == nil {
			f.Stats = stats.NewBasicStats(f.Data)
		}
		res.Results = append(res.Results, postJobItem{ID: f.ID, FileName: f.FileName, Naxisn: f.Naxisn, Stats: f.Stats})
	}
	c.JSON(http.StatusOK, res)
}

func badRequest(c *gin.Context, log logrus.FieldLogger, err error) {
	log.Warnf("Bad request: %v", err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
