package extractor

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

// DirSource reads a directory of already extracted frames, such as the
// frame_%04d.jpg output of ffmpeg, in lexical order.
type DirSource struct {
	dir   string
	files []string
	meta  models.VideoMeta
}

// OpenDir lists the JPEG and PNG files in dir as consecutive frames at fps.
func OpenDir(dir string, fps float64) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NewDecode(dir, fmt.Errorf("failed to read frames directory: %w", err))
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, errors.NewDecode(dir, fmt.Errorf("no image frames found"))
	}
	sort.Strings(files)

	if fps <= 0 {
		return nil, errors.NewInvalidVideoMeta(fps, len(files))
	}

	meta := models.VideoMeta{
		FPS:        fps,
		FrameCount: len(files),
		Duration:   float64(len(files)) / fps,
	}
	if f, err := os.Open(filepath.Join(dir, files[0])); err == nil {
		if cfg, _, err := image.DecodeConfig(f); err == nil {
			meta.Width, meta.Height = cfg.Width, cfg.Height
		}
		f.Close()
	}

	return &DirSource{dir: dir, files: files, meta: meta}, nil
}

func (s *DirSource) Meta() models.VideoMeta { return s.meta }

func (s *DirSource) ReadFrame(ctx context.Context, index int) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if index < 0 || index >= len(s.files) {
		return models.Frame{}, errors.NewFrameDecode(index, fmt.Errorf("index out of range [0,%d)", len(s.files)))
	}
	if _, err := os.Stat(s.dir); err != nil {
		return models.Frame{}, errors.NewDecode(s.dir, err)
	}

	f, err := os.Open(filepath.Join(s.dir, s.files[index]))
	if err != nil {
		return models.Frame{}, errors.NewFrameDecode(index, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return models.Frame{}, errors.NewFrameDecode(index, err)
	}
	return models.Frame{Index: index, Timestamp: s.meta.TimestampOf(index), Image: img}, nil
}

func (s *DirSource) Close() error { return nil }
