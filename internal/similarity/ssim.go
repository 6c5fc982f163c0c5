// Package similarity scores how alike two frames look.
//
// Frames are reduced to single-channel luminance at a fixed canonical
// resolution before comparison, so thresholds do not depend on the source
// resolution. The score is the mean structural similarity (SSIM) over all
// 7x7 windows that fit inside the canonical image.
package similarity

import (
	"bytes"
	"image"

	"golang.org/x/image/draw"
)

const (
	CanonicalWidth  = 320
	CanonicalHeight = 240

	window = 7
	c1     = (0.01 * 255) * (0.01 * 255)
	c2     = (0.03 * 255) * (0.03 * 255)
)

// Score returns the SSIM between a and b. 1.0 means identical content after
// canonical resizing; lower values mean more visual change.
func Score(a, b image.Image) float64 {
	return ScoreGray(Canonical(a), Canonical(b))
}

// Canonical converts img to luminance at CanonicalWidth x CanonicalHeight.
func Canonical(img image.Image) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, CanonicalWidth, CanonicalHeight))
	if img == nil || img.Bounds().Empty() {
		return dst
	}
	// Go's gray model uses the same ITU-R 601 weights OpenCV applies.
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ScoreGray computes SSIM over two luminance images of equal size.
// Images of different sizes score 0.
func ScoreGray(x, y *image.Gray) float64 {
	if x.Bounds().Size() != y.Bounds().Size() {
		return 0
	}
	w, h := x.Bounds().Dx(), x.Bounds().Dy()
	if w < window || h < window {
		return 0
	}
	if bytes.Equal(pixels(x), pixels(y)) {
		return 1
	}

	sx := newTable(w, h)
	sy := newTable(w, h)
	sxx := newTable(w, h)
	syy := newTable(w, h)
	sxy := newTable(w, h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			a := float64(x.GrayAt(x.Rect.Min.X+col, x.Rect.Min.Y+row).Y)
			b := float64(y.GrayAt(y.Rect.Min.X+col, y.Rect.Min.Y+row).Y)
			sx.add(col, row, a)
			sy.add(col, row, b)
			sxx.add(col, row, a*a)
			syy.add(col, row, b*b)
			sxy.add(col, row, a*b)
		}
	}

	const n = window * window
	const covNorm = float64(n) / float64(n-1)

	var total float64
	var count int
	for row := 0; row+window <= h; row++ {
		for col := 0; col+window <= w; col++ {
			mx := sx.sum(col, row, window) / n
			my := sy.sum(col, row, window) / n
			vx := covNorm * (sxx.sum(col, row, window)/n - mx*mx)
			vy := covNorm * (syy.sum(col, row, window)/n - my*my)
			vxy := covNorm * (sxy.sum(col, row, window)/n - mx*my)

			num := (2*mx*my + c1) * (2*vxy + c2)
			den := (mx*mx + my*my + c1) * (vx + vy + c2)
			total += num / den
			count++
		}
	}
	return total / float64(count)
}

func pixels(g *image.Gray) []byte {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if g.Stride == w {
		return g.Pix[:w*h]
	}
	out := make([]byte, 0, w*h)
	for row := 0; row < h; row++ {
		off := row * g.Stride
		out = append(out, g.Pix[off:off+w]...)
	}
	return out
}

// table is a summed-area table with a zero row and column in front.
type table struct {
	w    int
	vals []float64
}

func newTable(w, h int) *table {
	return &table{w: w + 1, vals: make([]float64, (w+1)*(h+1))}
}

// add must be called in row-major order.
func (t *table) add(col, row int, v float64) {
	i := (row+1)*t.w + col + 1
	t.vals[i] = v + t.vals[i-1] + t.vals[i-t.w] - t.vals[i-t.w-1]
}

func (t *table) sum(col, row, size int) float64 {
	top := row * t.w
	bottom := (row + size) * t.w
	return t.vals[bottom+col+size] - t.vals[bottom+col] - t.vals[top+col+size] + t.vals[top+col]
}
