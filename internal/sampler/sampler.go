// Package sampler turns video metadata and a sampling policy into the
// ordered candidate frame indices that keyframe reduction walks over.
package sampler

import (
	"math"
	"slices"

	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

// Strategy names an index-generation rule.
type Strategy string

const (
	Uniform   Strategy = "uniform"
	Histogram Strategy = "histogram"
	Hybrid    Strategy = "hybrid"
)

const (
	histogramInterval = 0.5 // seconds between histogram candidates
	hybridInterval    = 2.0 // seconds between hybrid coarse candidates
)

// Policy holds the sampling parameters. Zero values mean "unset".
type Policy struct {
	Strategy        Strategy
	Interval        float64 // seconds between uniform samples
	FramesPerSecond float64 // overrides Interval when > 0
	MaxFrames       int
}

// Plan is the candidate stream for one video.
type Plan struct {
	Indices []int
	Stride  int // nominal distance between candidates, in frames
}

type indexFunc func(meta models.VideoMeta, p Policy) Plan

var strategies = map[Strategy]indexFunc{
	Uniform:   uniformPlan,
	Histogram: histogramPlan,
	Hybrid:    hybridPlan,
}

// Strategies lists the known strategy names in a stable order.
func Strategies() []Strategy {
	return []Strategy{Uniform, Histogram, Hybrid}
}

// Sampler produces candidate plans for one video.
type Sampler struct {
	meta models.VideoMeta
}

// New validates meta and returns a Sampler for it.
func New(meta models.VideoMeta) (*Sampler, error) {
	if meta.FPS <= 0 || math.IsNaN(meta.FPS) || math.IsInf(meta.FPS, 0) || meta.FrameCount <= 0 {
		return nil, errors.NewInvalidVideoMeta(meta.FPS, meta.FrameCount)
	}
	return &Sampler{meta: meta}, nil
}

// Plan returns the candidate indices for the policy. The result is sorted,
// deduplicated, non-empty and bounded by [0, FrameCount-1].
func (s *Sampler) Plan(p Policy) (Plan, error) {
	if p.Strategy == "" {
		p.Strategy = Uniform
	}
	fn, ok := strategies[p.Strategy]
	if !ok {
		return Plan{}, errors.NewInvalidRequest("unknown sampling strategy: " + string(p.Strategy))
	}
	if p.MaxFrames < 0 {
		p.MaxFrames = 0
	}
	if p.Interval < 0 || p.FramesPerSecond < 0 {
		return Plan{}, errors.NewInvalidRequest("sampling interval and rate must not be negative")
	}
	return fn(s.meta, p), nil
}

// Step returns the frame step for a sampling interval in seconds, or for a
// per-second rate when rate > 0. The result is at least 1.
func Step(fps, interval, rate float64) int {
	var step float64
	if rate > 0 {
		step = math.Round(fps / rate)
	} else {
		step = math.Round(fps * interval)
	}
	if step < 1 || math.IsNaN(step) {
		return 1
	}
	return int(step)
}

func uniformPlan(meta models.VideoMeta, p Policy) Plan {
	interval := p.Interval
	if interval == 0 && p.FramesPerSecond == 0 {
		interval = 1.0
	}
	step := Step(meta.FPS, interval, p.FramesPerSecond)
	return Plan{Indices: strided(meta.FrameCount, step, p.MaxFrames), Stride: step}
}

func histogramPlan(meta models.VideoMeta, p Policy) Plan {
	step := Step(meta.FPS, histogramInterval, 0)
	indices := strided(meta.FrameCount, step, 0)
	if p.MaxFrames > 0 && len(indices) > p.MaxFrames {
		thin := len(indices) / p.MaxFrames
		kept := make([]int, 0, p.MaxFrames)
		for i := 0; i < len(indices); i += thin {
			kept = append(kept, indices[i])
		}
		indices = truncate(kept, p.MaxFrames)
		step *= thin
	}
	return Plan{Indices: indices, Stride: step}
}

func hybridPlan(meta models.VideoMeta, p Policy) Plan {
	coarse := uniformPlan(meta, Policy{Interval: hybridInterval, MaxFrames: p.MaxFrames})
	fine := histogramPlan(meta, Policy{MaxFrames: p.MaxFrames / 2})

	merged := append(slices.Clone(coarse.Indices), fine.Indices...)
	slices.Sort(merged)
	merged = slices.Compact(merged)

	return Plan{
		Indices: truncate(merged, p.MaxFrames),
		Stride:  min(coarse.Stride, fine.Stride),
	}
}

func strided(total, step, max int) []int {
	n := (total-1)/step + 1
	if max > 0 && n > max {
		n = max
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i * step
	}
	return out
}

func truncate(indices []int, max int) []int {
	if max > 0 && len(indices) > max {
		return indices[:max]
	}
	return indices
}
