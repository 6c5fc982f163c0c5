// Package keyframe reduces a stream of candidate frames to the frames that
// start a new visual scene.
//
// Reduction is a left fold over the candidate stream. The state holds the
// last accepted frame (in canonical luminance form) and the keyframes accepted
// so far; each candidate is compared only against that reference.
package keyframe

import (
	"context"
	"fmt"
	"image"
	"iter"
	"log/slog"

	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/extractor"
	"github.com/bdougie/stagecut/internal/models"
	"github.com/bdougie/stagecut/internal/sampler"
	"github.com/bdougie/stagecut/internal/similarity"
)

// DefaultThreshold is the SSIM score below which a candidate is a new scene.
const DefaultThreshold = 0.75

// Options controls a reduction.
type Options struct {
	VideoID     string
	Threshold   float64
	JPEGQuality int
	Logger      *slog.Logger
	// OnSkip, if set, is called for every candidate that failed to decode.
	OnSkip func(index int, err error)
}

// Selected is an accepted keyframe with its encoded image.
type Selected struct {
	Keyframe models.Keyframe
	JPEG     []byte
}

type state struct {
	ref *image.Gray
	out []Selected
}

func (s state) last() models.Keyframe {
	return s.out[len(s.out)-1].Keyframe
}

type reducer struct {
	opts Options
}

// Frames decodes the candidate indices in order. Per-frame decode failures
// are yielded alongside the index's zero frame so callers can skip them.
func Frames(ctx context.Context, src extractor.Source, indices []int) iter.Seq2[models.Frame, error] {
	return func(yield func(models.Frame, error) bool) {
		for _, idx := range indices {
			if err := ctx.Err(); err != nil {
				yield(models.Frame{Index: idx}, err)
				return
			}
			f, err := src.ReadFrame(ctx, idx)
			if err != nil {
				f.Index = idx
			}
			if !yield(f, err) {
				return
			}
		}
	}
}

// Reduce walks plan over src and returns the accepted keyframes in order.
// The first decodable candidate is always accepted. When the plan stops more
// than one stride before the end of the video, the last decodable frame is
// appended as a synthetic end-of-video keyframe. A plan with several
// candidates always yields at least two keyframes when the video extends past
// the first one.
func Reduce(ctx context.Context, src extractor.Source, plan sampler.Plan, opts Options) ([]Selected, error) {
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("ssim threshold must be in (0,1), got %g", opts.Threshold))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &reducer{opts: opts}

	var s state
	var err error
	for f, ferr := range Frames(ctx, src, plan.Indices) {
		if ferr != nil {
			if !errors.IsSkippableFrame(ferr) {
				return nil, ferr
			}
			r.skip(f.Index, ferr)
			continue
		}
		if s, err = r.step(s, f); err != nil {
			return nil, err
		}
	}

	if len(s.out) == 0 {
		return nil, errors.NewDecode(opts.VideoID, fmt.Errorf("none of %d candidate frames could be decoded", len(plan.Indices)))
	}

	if s, err = r.finish(ctx, s, src, plan); err != nil {
		return nil, err
	}

	opts.Logger.Debug("reduced candidates",
		"video_id", opts.VideoID,
		"candidates", len(plan.Indices),
		"keyframes", len(s.out),
	)
	return s.out, nil
}

func (r *reducer) step(s state, f models.Frame) (state, error) {
	cand := similarity.Canonical(f.Image)
	if s.ref == nil {
		return r.accept(s, f, cand, 1.0, false)
	}
	score := similarity.ScoreGray(s.ref, cand)
	if score >= r.opts.Threshold {
		return s, nil
	}
	return r.accept(s, f, cand, score, false)
}

// finish appends the true end of the video when the last accepted frame is
// more than one stride away from it, or when a multi-candidate plan accepted
// only its first frame. If the final frame does not decode it walks back at
// most one stride.
func (r *reducer) finish(ctx context.Context, s state, src extractor.Source, plan sampler.Plan) (state, error) {
	stride := max(plan.Stride, 1)
	end := src.Meta().LastFrame()
	tail := s.last().Index
	gap := end - tail
	if gap <= 0 {
		return s, nil
	}
	if gap <= stride && (len(s.out) > 1 || len(plan.Indices) < 2) {
		return s, nil
	}

	for idx := end; idx >= end-stride && idx > tail; idx-- {
		f, err := src.ReadFrame(ctx, idx)
		if err != nil {
			if !errors.IsSkippableFrame(err) {
				return s, err
			}
			r.skip(idx, err)
			continue
		}
		cand := similarity.Canonical(f.Image)
		return r.accept(s, f, cand, similarity.ScoreGray(s.ref, cand), true)
	}

	r.opts.Logger.Warn("no decodable frame near end of video",
		"video_id", r.opts.VideoID,
		"last_frame", end,
		"last_keyframe", tail,
	)
	return s, nil
}

func (r *reducer) accept(s state, f models.Frame, canonical *image.Gray, score float64, synthetic bool) (state, error) {
	data, err := extractor.EncodeJPEG(f.Image, r.opts.JPEGQuality)
	if err != nil {
		return s, fmt.Errorf("encode keyframe %d: %w", f.Index, err)
	}
	b := f.Image.Bounds()
	kf := models.Keyframe{
		VideoID:    r.opts.VideoID,
		Ordinal:    len(s.out),
		Index:      f.Index,
		Timestamp:  f.Timestamp,
		Similarity: score,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Synthetic:  synthetic,
	}
	return state{
		ref: canonical,
		out: append(s.out, Selected{Keyframe: kf, JPEG: data}),
	}, nil
}

func (r *reducer) skip(index int, err error) {
	r.opts.Logger.Warn("skipping undecodable frame",
		"video_id", r.opts.VideoID,
		"frame_index", index,
		"error", err,
	)
	if r.opts.OnSkip != nil {
		r.opts.OnSkip(index, err)
	}
}
