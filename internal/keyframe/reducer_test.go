package keyframe

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/extractor"
	"github.com/bdougie/stagecut/internal/models"
	"github.com/bdougie/stagecut/internal/sampler"
)

func scene(seed int64) image.Image {
	r := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			v := uint8(r.Intn(256))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

// video builds n frames where a new scene starts at every cut index.
func video(n int, cuts ...int) []image.Image {
	frames := make([]image.Image, n)
	current := scene(0)
	next := 0
	for i := range frames {
		if next < len(cuts) && i == cuts[next] {
			current = scene(int64(i + 1))
			next++
		}
		frames[i] = current
	}
	return frames
}

func uniformPlan(t *testing.T, meta models.VideoMeta, interval float64) sampler.Plan {
	t.Helper()
	s, err := sampler.New(meta)
	require.NoError(t, err)
	plan, err := s.Plan(sampler.Policy{Strategy: sampler.Uniform, Interval: interval})
	require.NoError(t, err)
	return plan
}

func indices(sel []Selected) []int {
	out := make([]int, len(sel))
	for i, s := range sel {
		out[i] = s.Keyframe.Index
	}
	return out
}

// failing wraps a source and fails selected indices.
type failing struct {
	extractor.Source
	skip  map[int]bool
	fatal map[int]bool
}

func (f *failing) ReadFrame(ctx context.Context, index int) (models.Frame, error) {
	if f.fatal[index] {
		return models.Frame{}, errors.NewDecode("clip.mp4", assert.AnError)
	}
	if f.skip[index] {
		return models.Frame{}, errors.NewFrameDecode(index, assert.AnError)
	}
	return f.Source.ReadFrame(ctx, index)
}

func TestReduce_StaticVideoKeepsStartAndEnd(t *testing.T) {
	src := extractor.NewMemorySource(10, video(100))
	plan := uniformPlan(t, src.Meta(), 1)

	got, err := Reduce(context.Background(), src, plan, Options{VideoID: "v1", Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, []int{0, 99}, indices(got))
	assert.Equal(t, 0.0, got[0].Keyframe.Timestamp)
	assert.Equal(t, 1.0, got[0].Keyframe.Similarity)
	assert.False(t, got[0].Keyframe.Synthetic)
	assert.True(t, got[1].Keyframe.Synthetic)
	assert.Equal(t, 1.0, got[1].Keyframe.Similarity)
	assert.InDelta(t, 9.9, got[1].Keyframe.Timestamp, 1e-9)
}

func TestReduce_AcceptsSceneChanges(t *testing.T) {
	src := extractor.NewMemorySource(10, video(100, 30, 60))
	plan := uniformPlan(t, src.Meta(), 1)

	got, err := Reduce(context.Background(), src, plan, Options{VideoID: "v1", Threshold: DefaultThreshold})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 30, 60, 99}, indices(got))
	for i, sel := range got {
		kf := sel.Keyframe
		assert.Equal(t, i, kf.Ordinal)
		assert.Equal(t, "v1", kf.VideoID)
		assert.Equal(t, 160, kf.Width)
		assert.Equal(t, 120, kf.Height)
		assert.NotEmpty(t, sel.JPEG)
		if i > 0 {
			assert.Greater(t, kf.Timestamp, got[i-1].Keyframe.Timestamp)
		}
		if i > 0 && !kf.Synthetic {
			assert.Less(t, kf.Similarity, DefaultThreshold)
		}
	}
}

func TestReduce_ComparesAgainstLastAccepted(t *testing.T) {
	// Scenes A, B, A: the return to A differs from B and is accepted again.
	frames := video(60, 20, 40)
	for i := 40; i < 60; i++ {
		frames[i] = frames[0]
	}
	src := extractor.NewMemorySource(10, frames)
	plan := uniformPlan(t, src.Meta(), 1)

	got, err := Reduce(context.Background(), src, plan, Options{Threshold: DefaultThreshold})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 20, 40, 59}, indices(got))
}

func TestReduce_Deterministic(t *testing.T) {
	frames := video(200, 35, 80, 81, 150)
	src := extractor.NewMemorySource(25, frames)
	plan := uniformPlan(t, src.Meta(), 0.5)

	first, err := Reduce(context.Background(), src, plan, Options{Threshold: 0.6})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := Reduce(context.Background(), src, plan, Options{Threshold: 0.6})
		require.NoError(t, err)
		assert.Equal(t, indices(first), indices(again))
	}
}

func TestReduce_SkipsUndecodableFrames(t *testing.T) {
	src := &failing{
		Source: extractor.NewMemorySource(10, video(100, 50)),
		skip:   map[int]bool{0: true, 50: true},
	}
	plan := uniformPlan(t, src.Meta(), 1)

	var skipped []int
	got, err := Reduce(context.Background(), src, plan, Options{
		Threshold: DefaultThreshold,
		OnSkip:    func(index int, _ error) { skipped = append(skipped, index) },
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 50}, skipped)
	// Frame 10 is the first decodable candidate; the cut is seen at 60.
	assert.Equal(t, []int{10, 60, 99}, indices(got))
	assert.Equal(t, 1.0, got[0].Keyframe.Similarity)
}

func TestReduce_EndFrameFallsBackWithinStride(t *testing.T) {
	src := &failing{
		Source: extractor.NewMemorySource(10, video(100)),
		skip:   map[int]bool{99: true, 98: true},
	}
	plan := uniformPlan(t, src.Meta(), 1)

	got, err := Reduce(context.Background(), src, plan, Options{Threshold: 0.99})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 97}, indices(got))
	assert.True(t, got[1].Keyframe.Synthetic)
}

func TestReduce_NoSyntheticEndWithinStride(t *testing.T) {
	src := extractor.NewMemorySource(10, video(95, 90))
	plan := sampler.Plan{Indices: []int{0, 90}, Stride: 10}

	got, err := Reduce(context.Background(), src, plan, Options{Threshold: 0.99})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 90}, indices(got))
	assert.False(t, got[1].Keyframe.Synthetic)
}

func TestReduce_StaticClipOneStrideLong(t *testing.T) {
	src := extractor.NewMemorySource(30, video(31))
	plan := uniformPlan(t, src.Meta(), 1)
	require.Equal(t, []int{0, 30}, plan.Indices)
	require.Equal(t, 30, plan.Stride)

	got, err := Reduce(context.Background(), src, plan, Options{Threshold: 0.99})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 30}, indices(got))
	assert.True(t, got[1].Keyframe.Synthetic)
}

func TestReduce_SingleFrameVideo(t *testing.T) {
	src := extractor.NewMemorySource(30, video(1))
	plan := uniformPlan(t, src.Meta(), 1)

	got, err := Reduce(context.Background(), src, plan, Options{Threshold: 0.99})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices(got))
}

func TestReduce_FatalDecodeError(t *testing.T) {
	src := &failing{
		Source: extractor.NewMemorySource(10, video(100, 30)),
		fatal:  map[int]bool{40: true},
	}
	plan := uniformPlan(t, src.Meta(), 1)

	got, err := Reduce(context.Background(), src, plan, Options{Threshold: DefaultThreshold})
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, errors.CodeDecode))
	assert.False(t, errors.IsSkippableFrame(err))
}

func TestReduce_NothingDecodable(t *testing.T) {
	src := extractor.NewMemorySource(10, make([]image.Image, 30))
	plan := uniformPlan(t, src.Meta(), 1)

	_, err := Reduce(context.Background(), src, plan, Options{VideoID: "v9", Threshold: DefaultThreshold})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeDecode))
}

func TestReduce_InvalidThreshold(t *testing.T) {
	src := extractor.NewMemorySource(10, video(10))
	plan := uniformPlan(t, src.Meta(), 1)

	for _, th := range []float64{0, 1, -0.5, 1.5} {
		_, err := Reduce(context.Background(), src, plan, Options{Threshold: th})
		assert.True(t, errors.Is(err, errors.CodeInvalidRequest), "threshold %v", th)
	}
}

func TestReduce_CancelledContext(t *testing.T) {
	src := extractor.NewMemorySource(10, video(100))
	plan := uniformPlan(t, src.Meta(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Reduce(ctx, src, plan, Options{Threshold: DefaultThreshold})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFrames_StopsEarly(t *testing.T) {
	src := extractor.NewMemorySource(10, video(50))
	var seen []int
	for f, err := range Frames(context.Background(), src, []int{0, 10, 20, 30}) {
		require.NoError(t, err)
		seen = append(seen, f.Index)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 10}, seen)
}
