package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bdougie/stagecut/internal/artifacts"
	"github.com/bdougie/stagecut/internal/embeddings"
	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/extractor"
	"github.com/bdougie/stagecut/internal/keyframe"
	"github.com/bdougie/stagecut/internal/metrics"
	"github.com/bdougie/stagecut/internal/models"
	"github.com/bdougie/stagecut/internal/sampler"
	"github.com/bdougie/stagecut/internal/stages"
	"github.com/bdougie/stagecut/internal/storage"
	"github.com/bdougie/stagecut/internal/tracing"
)

const maxWorkers = 4

// Opener opens a video for decoding.
type Opener func(ctx context.Context, path string) (extractor.Source, error)

// DefaultOpener opens directories as image sequences at dirFPS and anything
// else with ffprobe/ffmpeg.
func DefaultOpener(opts extractor.Options, dirFPS float64) Opener {
	return func(ctx context.Context, path string) (extractor.Source, error) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return extractor.OpenDir(path, dirFPS)
		}
		return extractor.Open(ctx, path, opts)
	}
}

// Options tunes the reduction step of a run. Threshold is passed through
// unchanged; callers supply keyframe.DefaultThreshold themselves.
type Options struct {
	Policy      sampler.Policy
	Threshold   float64
	JPEGQuality int
}

// Processor runs analyses against one set of collaborators. It is safe for
// concurrent use as long as they are.
type Processor struct {
	open      Opener
	labeler   Labeler
	store     storage.Store
	artifacts artifacts.Store
	embedder  *embeddings.Service // nil disables embeddings and search
	opts      Options
	logger    *slog.Logger
}

// Config holds the collaborators of a Processor. Labeler may be nil for a
// Processor that only searches or clears.
type Config struct {
	Opener    Opener
	Labeler   Labeler
	Store     storage.Store
	Artifacts artifacts.Store
	Embedder  *embeddings.Service
	Options   Options
	Logger    *slog.Logger
}

// NewProcessor creates a Processor. A nil logger uses slog.Default and an
// empty strategy means uniform sampling.
func NewProcessor(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Options.Policy.Strategy == "" {
		cfg.Options.Policy.Strategy = sampler.Uniform
	}
	return &Processor{
		open:      cfg.Opener,
		labeler:   cfg.Labeler,
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		embedder:  cfg.Embedder,
		opts:      cfg.Options,
		logger:    cfg.Logger,
	}
}

// Request names the video to analyze.
type Request struct {
	VideoPath   string
	VideoID     string // defaults to the file name without extension
	ProductName string
}

// ID returns the id a request is stored under.
func (r Request) ID() string {
	if r.VideoID != "" {
		return r.VideoID
	}
	return strings.TrimSuffix(filepath.Base(r.VideoPath), filepath.Ext(r.VideoPath))
}

// Analyze runs one analysis: decode and reduce to keyframes, label stages
// once, normalize them, store images and replace the stored analysis.
// Fatal errors return before anything is written.
func (p *Processor) Analyze(ctx context.Context, req Request) (*models.Analysis, error) {
	started := time.Now()
	a, err := p.analyze(ctx, req)
	metrics.RunDuration.WithLabelValues("total").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	status := "succeeded"
	if len(a.Warnings) > 0 {
		status = "degraded"
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
	return a, nil
}

func (p *Processor) analyze(ctx context.Context, req Request) (*models.Analysis, error) {
	if req.VideoPath == "" {
		return nil, errors.NewInvalidRequest("video path is required")
	}

	runID := uuid.NewString()
	videoID := req.ID()
	logger := p.logger.With("run_id", runID, "video_id", videoID)

	ctx, span := tracing.Tracer().Start(ctx, "analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("video_id", videoID),
	)
	fail := func(err error) (*models.Analysis, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Info("processing video", "path", req.VideoPath)

	src, err := p.open(ctx, req.VideoPath)
	if err != nil {
		return fail(err)
	}
	defer src.Close()
	meta := src.Meta()

	analysis := &models.Analysis{
		RunID: runID,
		Video: models.Video{
			ID:          videoID,
			Path:        req.VideoPath,
			ProductName: req.ProductName,
			Meta:        meta,
		},
	}
	warn := func(msg string, err error) {
		logger.Warn(msg, "error", err)
		analysis.Warnings = append(analysis.Warnings, fmt.Sprintf("%s: %v", msg, err))
	}

	selected, err := p.reduce(ctx, src, videoID, logger)
	if err != nil {
		return fail(err)
	}

	known := meta.HasDuration()
	if !known {
		warn("stage timeline not pinned", errors.NewDurationUnavailable(req.VideoPath))
	}

	list := p.label(ctx, videoID, meta, selected, warn)

	keyframes := p.writeArtifacts(ctx, videoID, selected, warn)

	vectors := p.embed(ctx, list, warn)

	storeCtx, storeSpan := tracing.Tracer().Start(ctx, "store")
	storeStart := time.Now()
	err = p.store.ReplaceAnalysis(storeCtx, analysis.Video, keyframes, list, vectors)
	storeSpan.End()
	metrics.RunDuration.WithLabelValues("store").Observe(time.Since(storeStart).Seconds())
	if err != nil {
		return fail(fmt.Errorf("store analysis: %w", err))
	}

	for _, st := range list {
		metrics.StageQualityTotal.WithLabelValues(st.Quality.String()).Inc()
	}

	analysis.Keyframes = keyframes
	analysis.Stages = list
	logger.Info("video processed",
		"keyframes", len(keyframes),
		"stages", len(list),
		"warnings", len(analysis.Warnings),
	)
	return analysis, nil
}

func (p *Processor) reduce(ctx context.Context, src extractor.Source, videoID string, logger *slog.Logger) ([]keyframe.Selected, error) {
	ctx, span := tracing.Tracer().Start(ctx, "reduce")
	defer span.End()
	started := time.Now()
	defer func() {
		metrics.RunDuration.WithLabelValues("reduce").Observe(time.Since(started).Seconds())
	}()

	s, err := sampler.New(src.Meta())
	if err != nil {
		return nil, err
	}
	plan, err := s.Plan(p.opts.Policy)
	if err != nil {
		return nil, err
	}
	metrics.CandidateFramesTotal.Add(float64(len(plan.Indices)))
	logger.Debug("sampling plan",
		"strategy", p.opts.Policy.Strategy,
		"candidates", len(plan.Indices),
		"stride", plan.Stride,
	)

	selected, err := keyframe.Reduce(ctx, src, plan, keyframe.Options{
		VideoID:     videoID,
		Threshold:   p.opts.Threshold,
		JPEGQuality: p.opts.JPEGQuality,
		Logger:      logger,
		OnSkip: func(int, error) {
			metrics.SkippedFramesTotal.Inc()
		},
	})
	if err != nil {
		return nil, err
	}
	metrics.KeyframesTotal.Add(float64(len(selected)))
	span.SetAttributes(attribute.Int("keyframes", len(selected)))
	return selected, nil
}

// label makes the single oracle call of a run and turns its reply into a
// normalized stage list. Oracle failures fall back to one whole-video stage.
func (p *Processor) label(ctx context.Context, videoID string, meta models.VideoMeta, selected []keyframe.Selected, warn func(string, error)) []models.Stage {
	ctx, span := tracing.Tracer().Start(ctx, "label")
	defer span.End()
	started := time.Now()
	defer func() {
		metrics.RunDuration.WithLabelValues("label").Observe(time.Since(started).Seconds())
	}()

	frames := make([]LabeledFrame, len(selected))
	for i, s := range selected {
		frames[i] = LabeledFrame{Timestamp: s.Keyframe.Timestamp, JPEG: s.JPEG}
	}
	last := selected[len(selected)-1].Keyframe.Timestamp

	var (
		raws    []models.RawStage
		quality models.Quality
		err     error
	)
	reply, err := p.labeler.Label(ctx, LabelRequest{Frames: frames, Duration: meta.Duration})
	if err != nil {
		err = errors.NewOracleFormat("labeling call failed", err)
	} else {
		raws, quality, err = stages.ParseOracleResponse(reply)
	}

	if err != nil {
		warn("stage labeling fell back to a single stage", err)
		metrics.OracleFallbacksTotal.Inc()
		span.RecordError(err)
		raws = stages.Fallback(meta.Duration, last, err.Error())
		quality = models.QualityDegradedDefault
	} else if quality.Has(models.QualityRaggedOracle) {
		warn("stage labeling", errors.NewOracleFormat("stage, time and description lengths differ; truncated", nil))
	}

	list := stages.Normalize(videoID, raws, meta.Duration, meta.HasDuration())
	stages.Flag(list, quality)

	for _, st := range list {
		if st.Quality.Has(models.QualityDegradedDefault) && err == nil {
			warn("stage range", errors.NewStageRangeParse(raws[st.Ordinal].Range, nil))
		}
	}
	return list
}

type artifactWork struct {
	idx  int
	path string
	data []byte
}

type artifactResult struct {
	idx int
	ref string
	err error
}

// writeArtifacts replaces the stored images of a video. Failures are logged
// and leave the keyframe without an image reference.
func (p *Processor) writeArtifacts(ctx context.Context, videoID string, selected []keyframe.Selected, warn func(string, error)) []models.Keyframe {
	keyframes := make([]models.Keyframe, len(selected))
	for i, s := range selected {
		keyframes[i] = s.Keyframe
	}
	if p.artifacts == nil {
		return keyframes
	}

	if err := p.artifacts.Delete(ctx, artifacts.VideoDir(videoID)); err != nil {
		p.logger.Warn("failed to delete old keyframe images", "video_id", videoID, "error", err)
	}

	workChan := make(chan artifactWork, len(selected))
	resultsChan := make(chan artifactResult, len(selected))

	var wg sync.WaitGroup

	remaining := atomic.Int64{}
	remaining.Store(int64(len(selected)))

	for i := 0; i < min(maxWorkers, len(selected)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				ref, err := p.artifacts.Write(ctx, work.path, work.data)
				if err != nil {
					err = errors.NewArtifactWrite(work.path, err)
				}
				resultsChan <- artifactResult{idx: work.idx, ref: ref, err: err}
				p.logger.Debug("keyframe image written", "video_id", videoID, "remaining", remaining.Add(-1))
			}
		}()
	}

	for i, s := range selected {
		workChan <- artifactWork{
			idx:  i,
			path: artifacts.KeyframePath(videoID, s.Keyframe.Ordinal, s.Keyframe.TimestampMS()),
			data: s.JPEG,
		}
	}
	close(workChan)

	wg.Wait()
	close(resultsChan)

	var failed []artifactResult
	for r := range resultsChan {
		if r.err != nil {
			failed = append(failed, r)
			continue
		}
		keyframes[r.idx].ImageRef = r.ref
	}
	for _, r := range failed {
		metrics.ArtifactFailuresTotal.Inc()
		warn(fmt.Sprintf("keyframe %d image", r.idx), r.err)
	}
	return keyframes
}

// embed computes description embeddings for stage search. It is best-effort:
// on failure the stages are stored without vectors.
func (p *Processor) embed(ctx context.Context, list []models.Stage, warn func(string, error)) [][]float32 {
	if p.embedder == nil || len(list) == 0 {
		return nil
	}
	texts := make([]string, len(list))
	for i, st := range list {
		texts[i] = StageText(st)
	}
	vectors, err := p.embedder.EmbedAll(ctx, texts)
	if err != nil {
		warn("stage embeddings", err)
		return nil
	}
	return vectors
}

// StageText is the text embedded for a stage.
func StageText(st models.Stage) string {
	if st.Description == "" {
		return st.Name
	}
	return st.Name + ": " + st.Description
}

// Search returns stored stages whose descriptions are similar to query.
func (p *Processor) Search(ctx context.Context, query, product string, minSimilarity float64, limit int) ([]models.StageMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.NewInvalidRequest("search query is required")
	}
	if p.embedder == nil {
		return nil, errors.NewInvalidRequest("search needs an embedder")
	}
	var res embeddings.Result
	select {
	case res = <-p.embedder.GetEmbedding(ctx, query):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Error != nil {
		return nil, fmt.Errorf("embed query: %w", res.Error)
	}
	return p.store.SearchStages(ctx, storage.SearchQuery{
		Embedding:     res.Embedding,
		ProductName:   product,
		MinSimilarity: minSimilarity,
		Limit:         limit,
	})
}

// Clear removes the stored analysis and images of a video. Images are removed
// best-effort.
func (p *Processor) Clear(ctx context.Context, videoID string) error {
	if p.artifacts != nil {
		if err := p.artifacts.Delete(ctx, artifacts.VideoDir(videoID)); err != nil {
			p.logger.Warn("failed to delete keyframe images", "video_id", videoID, "error", err)
		}
	}
	return p.store.DeleteAll(ctx, videoID)
}
