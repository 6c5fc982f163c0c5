package extractor

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"

	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

// Source gives random access to the frames of one video.
// A Source is not safe for concurrent use.
type Source interface {
	Meta() models.VideoMeta
	// ReadFrame decodes the frame at index. A failure that only affects this
	// index is reported with errors.NewFrameDecode; anything else is fatal.
	ReadFrame(ctx context.Context, index int) (models.Frame, error)
	Close() error
}

// EncodeJPEG encodes a frame for the artifact store and the oracle.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MemorySource serves pre-decoded frames.
type MemorySource struct {
	meta   models.VideoMeta
	frames []image.Image
}

// NewMemorySource builds a source over frames at the given frame rate.
func NewMemorySource(fps float64, frames []image.Image) *MemorySource {
	meta := models.VideoMeta{FPS: fps, FrameCount: len(frames)}
	if fps > 0 {
		meta.Duration = float64(len(frames)) / fps
	}
	if len(frames) > 0 && frames[0] != nil {
		b := frames[0].Bounds()
		meta.Width, meta.Height = b.Dx(), b.Dy()
	}
	return &MemorySource{meta: meta, frames: frames}
}

// WithDuration overrides the reported duration. Zero marks it unknown.
func (s *MemorySource) WithDuration(d float64) *MemorySource {
	s.meta.Duration = d
	return s
}

func (s *MemorySource) Meta() models.VideoMeta { return s.meta }

func (s *MemorySource) ReadFrame(ctx context.Context, index int) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if index < 0 || index >= len(s.frames) || s.frames[index] == nil {
		return models.Frame{}, errors.NewFrameDecode(index, nil)
	}
	return models.Frame{
		Index:     index,
		Timestamp: s.meta.TimestampOf(index),
		Image:     s.frames[index],
	}, nil
}

func (s *MemorySource) Close() error { return nil }
