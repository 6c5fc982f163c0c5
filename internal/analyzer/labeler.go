package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabeledFrame is a keyframe image handed to the oracle.
type LabeledFrame struct {
	Timestamp float64 // seconds
	JPEG      []byte
}

type LabelRequest struct {
	Frames   []LabeledFrame
	Duration float64 // 0 when unknown
}

// Labeler asks a vision model to split the keyframes into behavioral stages.
// It returns the model's raw reply; parsing is left to the caller.
type Labeler interface {
	Label(ctx context.Context, req LabelRequest) (string, error)
}

const stagePromptExample = `The video has 4 stages
1. 0~890ms: app launch (app starts, first page opens)
2. 1000ms~3000ms: login completes
3. 3500ms~4000ms: a conversation page is opened
4. 3600ms~4100ms: page content finishes loading`

// BuildPrompt renders the stage-analysis instructions for a contact sheet of
// req.Frames laid out row-major.
func BuildPrompt(req LabelRequest) string {
	times := make([]string, len(req.Frames))
	for i, f := range req.Frames {
		times[i] = fmt.Sprintf("%dms", int64(math.Round(f.Timestamp*1000)))
	}

	var b strings.Builder
	b.WriteString("You are a QA engineer. Your task is to split a screen recording into behavioral stages using its keyframes.\n")
	b.WriteString("First, read the keyframe timestamps carefully:\n")
	b.WriteString("<frame_times>\n")
	b.WriteString(strings.Join(times, ", "))
	b.WriteString("\n</frame_times>\n\n")
	fmt.Fprintf(&b, "The attached image is a contact sheet of these %d keyframes, read left to right and top to bottom. ", len(req.Frames))
	b.WriteString("Each cell is labeled with its timestamp.\n")
	if req.Duration > 0 {
		fmt.Fprintf(&b, "The video lasts %dms.\n", int64(math.Round(req.Duration*1000)))
	}
	b.WriteString("\nUse this example as a guide for the stages:\n<example>\n")
	b.WriteString(stagePromptExample)
	b.WriteString("\n</example>\n\n")
	b.WriteString("Reply strictly in the following JSON format and add no other text:\n")
	b.WriteString(`{
  "stage": ["stage 1", "stage 2", "stage 3"],
  "time": ["start1~end1", "start2~end2", "start3~end3"],
  "description": ["stage 1 description", "stage 2 description", "stage 3 description"]
}`)
	return b.String()
}

// ContactSheet tiles the frames into a near-square grid in row-major order.
// Every cell is cellWidth pixels wide, keeps the first frame's aspect ratio
// and carries its timestamp in the top-left corner.
func ContactSheet(frames []LabeledFrame, cellWidth int) (image.Image, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("contact sheet needs at least one frame")
	}
	if cellWidth <= 0 {
		cellWidth = 320
	}

	imgs := make([]image.Image, len(frames))
	for i, f := range frames {
		img, err := jpeg.Decode(bytes.NewReader(f.JPEG))
		if err != nil {
			return nil, fmt.Errorf("decode keyframe %d: %w", i, err)
		}
		imgs[i] = img
	}

	first := imgs[0].Bounds()
	cellHeight := cellWidth * first.Dy() / max(first.Dx(), 1)
	if cellHeight <= 0 {
		cellHeight = cellWidth
	}

	cols := int(math.Ceil(math.Sqrt(float64(len(imgs)))))
	rows := (len(imgs) + cols - 1) / cols

	sheet := image.NewRGBA(image.Rect(0, 0, cols*cellWidth, rows*cellHeight))
	draw.Draw(sheet, sheet.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	for i, img := range imgs {
		x := (i % cols) * cellWidth
		y := (i / cols) * cellHeight
		cell := image.Rect(x, y, x+cellWidth, y+cellHeight)
		draw.BiLinear.Scale(sheet, cell, img, img.Bounds(), draw.Src, nil)
		stamp(sheet, x, y, frames[i].Timestamp)
	}
	return sheet, nil
}

func stamp(dst draw.Image, x, y int, ts float64) {
	label := fmt.Sprintf("%dms", int64(math.Round(ts*1000)))
	face := basicfont.Face7x13
	bg := image.Rect(x, y, x+len(label)*face.Advance+4, y+face.Height+4)
	draw.Draw(dst, bg, image.NewUniform(color.Black), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x+2, y+2+face.Ascent),
	}
	d.DrawString(label)
}
