package similarity

import (
	"image"
	"image/color"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func noisy(w, h int, seed int64) *image.RGBA {
	r := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(r.Intn(256))
			img.Set(x, y, color.RGBA{v, v / 2, 255 - v, 255})
		}
	}
	return img
}

// screen draws a mock UI: a header bar and a content block at the given offset.
func screen(w, h, blockY int) *image.RGBA {
	img := solid(w, h, color.RGBA{240, 240, 240, 255})
	for y := 0; y < h/10; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{30, 60, 200, 255})
		}
	}
	for y := blockY; y < blockY+h/4 && y < h; y++ {
		for x := w / 8; x < w-w/8; x++ {
			img.Set(x, y, color.RGBA{20, 20, 20, 255})
		}
	}
	return img
}

func TestScore_Reflexive(t *testing.T) {
	for _, img := range []image.Image{
		noisy(640, 480, 1),
		noisy(123, 77, 2),
		screen(1280, 720, 200),
		solid(320, 240, color.White),
	} {
		assert.Equal(t, 1.0, Score(img, img))
	}
}

func TestScore_ResolutionIndependent(t *testing.T) {
	// The same screen rendered at two resolutions stays highly similar.
	a := screen(640, 480, 160)
	b := screen(1280, 960, 320)
	assert.Greater(t, Score(a, b), 0.9)
}

func TestScore_DetectsChange(t *testing.T) {
	before := screen(640, 480, 100)
	after := screen(640, 480, 340)

	s := Score(before, after)
	assert.Less(t, s, 0.9)
	assert.Greater(t, s, -1.0)
}

func TestScore_Symmetric(t *testing.T) {
	a := noisy(200, 150, 3)
	b := screen(200, 150, 40)
	assert.InDelta(t, Score(a, b), Score(b, a), 1e-12)
}

func TestScore_Bounded(t *testing.T) {
	s := Score(noisy(320, 240, 4), noisy(320, 240, 5))
	assert.LessOrEqual(t, s, 1.0)
	assert.GreaterOrEqual(t, s, -1.0)
	assert.Less(t, s, 0.5)
}

func TestScoreGray_SizeMismatch(t *testing.T) {
	a := image.NewGray(image.Rect(0, 0, 10, 10))
	b := image.NewGray(image.Rect(0, 0, 12, 10))
	assert.Equal(t, 0.0, ScoreGray(a, b))
}

func TestCanonical_Size(t *testing.T) {
	g := Canonical(noisy(1920, 1080, 6))
	assert.Equal(t, CanonicalWidth, g.Bounds().Dx())
	assert.Equal(t, CanonicalHeight, g.Bounds().Dy())
}

func TestScore_ConcurrentUse(t *testing.T) {
	a := screen(320, 240, 50)
	b := screen(320, 240, 150)
	want := Score(a, b)

	var wg sync.WaitGroup
	results := make([]float64, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Score(a, b)
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want, got)
	}
}
