package storage

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/bdougie/stagecut/internal/models"
)

// Store persists analysis results. ReplaceAnalysis is the only write path for
// keyframes and stages: it removes whatever a previous run stored for the
// video and inserts the new rows as one unit of work.
type Store interface {
	// ReplaceAnalysis upserts the video and replaces its keyframes and stages.
	// embeddings[i] belongs to stages[i]; nil entries are stored without a vector.
	ReplaceAnalysis(ctx context.Context, video models.Video, keyframes []models.Keyframe, stages []models.Stage, embeddings [][]float32) error

	Video(ctx context.Context, id string) (models.Video, error)
	Videos(ctx context.Context) ([]models.Video, error)
	Keyframes(ctx context.Context, videoID string) ([]models.Keyframe, error)
	Stages(ctx context.Context, videoID string) ([]models.Stage, error)

	// DeleteAll removes the video and everything stored for it.
	DeleteAll(ctx context.Context, videoID string) error

	SearchStages(ctx context.Context, q SearchQuery) ([]models.StageMatch, error)

	Close() error
}

// SearchQuery selects stored stages by description similarity.
type SearchQuery struct {
	Embedding     []float32
	ProductName   string  // empty matches every product
	MinSimilarity float64 // cosine similarity in [-1, 1]
	Limit         int
}

const defaultSearchLimit = 10

// Config selects and configures a Store driver.
type Config struct {
	Driver      string // "sqlite" or "postgres"
	DatabaseURL string
	SQLitePath  string
}

// Open connects to the configured store and makes sure its schema exists.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "postgres":
		if err := InitSchema(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func validateReplace(videoID string, stages []models.Stage, embeddings [][]float32) error {
	if videoID == "" {
		return fmt.Errorf("video id is required")
	}
	if embeddings != nil && len(embeddings) != len(stages) {
		return fmt.Errorf("got %d embeddings for %d stages", len(embeddings), len(stages))
	}
	return nil
}

func embeddingAt(embeddings [][]float32, i int) []float32 {
	if i < len(embeddings) {
		return embeddings[i]
	}
	return nil
}

// cosine returns the cosine similarity of a and b, or 0 when they differ in
// length or either is zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rankMatches orders matches by descending similarity and applies the limit.
func rankMatches(matches []models.StageMatch, limit int) []models.StageMatch {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
