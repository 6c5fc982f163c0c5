package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "stagecut.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testVideo(id, product string) models.Video {
	return models.Video{
		ID:          id,
		Path:        "/videos/" + id + ".mp4",
		ProductName: product,
		Meta:        models.VideoMeta{FPS: 30, FrameCount: 300, Duration: 10, Width: 1280, Height: 720},
	}
}

func testAnalysis(videoID string) ([]models.Keyframe, []models.Stage) {
	kfs := []models.Keyframe{
		{VideoID: videoID, Ordinal: 0, Index: 0, Timestamp: 0, Similarity: 1, ImageRef: "video_" + videoID + "/keyframe_01_time_0ms.jpg", Width: 1280, Height: 720},
		{VideoID: videoID, Ordinal: 1, Index: 150, Timestamp: 5, Similarity: 0.42, Width: 1280, Height: 720},
		{VideoID: videoID, Ordinal: 2, Index: 299, Timestamp: 9.966, Similarity: 0.97, Width: 1280, Height: 720, Synthetic: true},
	}
	sts := []models.Stage{
		{VideoID: videoID, Ordinal: 0, Name: "Launch", Start: 0, End: 5, Duration: 5, Description: "app opens"},
		{VideoID: videoID, Ordinal: 1, Name: "Login", Start: 5, End: 10, Duration: 5, Description: "user signs in",
			Quality: models.QualityDegradedDefault | models.QualityRaggedOracle},
	}
	return kfs, sts
}

func TestSQLiteStore_ReplaceAnalysisRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	video := testVideo("demo", "acme")
	kfs, sts := testAnalysis("demo")
	require.NoError(t, s.ReplaceAnalysis(ctx, video, kfs, sts, [][]float32{{1, 0}, nil}))

	gotVideo, err := s.Video(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, video, gotVideo)

	gotKfs, err := s.Keyframes(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, kfs, gotKfs)

	gotStages, err := s.Stages(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, sts, gotStages)
}

func TestSQLiteStore_ReplaceRemovesPreviousRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kfs, sts := testAnalysis("demo")
	require.NoError(t, s.ReplaceAnalysis(ctx, testVideo("demo", "acme"), kfs, sts, nil))

	video := testVideo("demo", "globex")
	require.NoError(t, s.ReplaceAnalysis(ctx, video, kfs[:1], sts[:1], nil))

	gotKfs, err := s.Keyframes(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, gotKfs, 1)

	gotStages, err := s.Stages(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, gotStages, 1)

	gotVideo, err := s.Video(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "globex", gotVideo.ProductName)

	videos, err := s.Videos(ctx)
	require.NoError(t, err)
	assert.Len(t, videos, 1)
}

func TestSQLiteStore_ReplaceIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kfs, sts := testAnalysis("demo")
	require.NoError(t, s.ReplaceAnalysis(ctx, testVideo("demo", ""), kfs, sts, nil))

	// Duplicate ordinals violate the primary key halfway through the insert.
	bad := append([]models.Keyframe{}, kfs...)
	bad[2].Ordinal = 1
	err := s.ReplaceAnalysis(ctx, testVideo("demo", ""), bad, sts, nil)
	require.Error(t, err)

	gotKfs, err := s.Keyframes(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, kfs, gotKfs)
}

func TestSQLiteStore_ReplaceValidates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	kfs, sts := testAnalysis("demo")

	err := s.ReplaceAnalysis(ctx, testVideo("", ""), kfs, sts, nil)
	assert.True(t, errors.Is(err, errors.CodeInvalidRequest))

	err = s.ReplaceAnalysis(ctx, testVideo("demo", ""), kfs, sts, [][]float32{{1}})
	assert.True(t, errors.Is(err, errors.CodeInvalidRequest))

	_, err = s.Video(ctx, "demo")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestSQLiteStore_DeleteAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kfs, sts := testAnalysis("demo")
	require.NoError(t, s.ReplaceAnalysis(ctx, testVideo("demo", ""), kfs, sts, nil))
	require.NoError(t, s.DeleteAll(ctx, "demo"))

	gotKfs, err := s.Keyframes(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, gotKfs)

	gotStages, err := s.Stages(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, gotStages)

	err = s.DeleteAll(ctx, "demo")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestSQLiteStore_SearchStages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, sts := testAnalysis("a")
	require.NoError(t, s.ReplaceAnalysis(ctx, testVideo("a", "acme"), nil, sts, [][]float32{{1, 0, 0}, {0, 1, 0}}))
	_, sts = testAnalysis("b")
	require.NoError(t, s.ReplaceAnalysis(ctx, testVideo("b", "globex"), nil, sts, [][]float32{{0.9, 0.1, 0}, nil}))

	got, err := s.SearchStages(ctx, SearchQuery{Embedding: []float32{1, 0, 0}, MinSimilarity: 0.5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Stage.VideoID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-6)
	assert.Equal(t, "acme", got[0].ProductName)
	assert.Equal(t, "/videos/a.mp4", got[0].VideoPath)
	assert.Equal(t, "b", got[1].Stage.VideoID)

	got, err = s.SearchStages(ctx, SearchQuery{Embedding: []float32{1, 0, 0}, ProductName: "globex"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Launch", got[0].Stage.Name)

	got, err = s.SearchStages(ctx, SearchQuery{Embedding: []float32{1, 0, 0}, MinSimilarity: -1, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = s.SearchStages(ctx, SearchQuery{})
	assert.True(t, errors.Is(err, errors.CodeInvalidRequest))
}

func TestSQLiteStore_SearchSkipsOtherDimensions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, sts := testAnalysis("a")
	require.NoError(t, s.ReplaceAnalysis(ctx, testVideo("a", "acme"), nil, sts, [][]float32{{1, 0, 0}, {1, 0}}))

	got, err := s.SearchStages(ctx, SearchQuery{Embedding: []float32{1, 0, 0}, MinSimilarity: -1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Launch", got[0].Stage.Name)
}

func TestPostgresSearchQuery_ComparesMatchingDimensions(t *testing.T) {
	assert.Contains(t, searchStagesQuery, "vector_dims(s.embedding) = vector_dims($1::vector)")
	assert.Contains(t, searchStagesQuery, "similarity IS NOT NULL")
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{SQLitePath: filepath.Join(t.TempDir(), "nested", "db.sqlite")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "mongo"})
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	blob, ok := encodeVector(v).([]byte)
	require.True(t, ok)
	assert.Equal(t, v, decodeVector(blob))
	assert.Nil(t, encodeVector(nil))
}
