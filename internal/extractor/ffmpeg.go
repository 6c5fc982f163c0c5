package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

// Options configures the ffmpeg-backed source.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// FFmpegSource reads frames by seeking with ffmpeg.
type FFmpegSource struct {
	path   string
	meta   models.VideoMeta
	ffmpeg string
	logger *slog.Logger
}

// Open probes the video at path. Any failure here is fatal for a run.
func Open(ctx context.Context, path string, opts Options) (*FFmpegSource, error) {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if _, err := os.Stat(path); err != nil {
		return nil, errors.NewDecode(path, err)
	}

	cmd := exec.CommandContext(ctx, opts.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.NewDecode(path, fmt.Errorf("ffprobe: %w", err))
	}

	meta, err := parseProbe(out)
	if err != nil {
		return nil, errors.NewDecode(path, err)
	}
	if meta.FPS <= 0 || meta.FrameCount <= 0 {
		return nil, errors.NewInvalidVideoMeta(meta.FPS, meta.FrameCount)
	}

	opts.Logger.Debug("probed video",
		"path", path,
		"fps", meta.FPS,
		"frames", meta.FrameCount,
		"duration", meta.Duration,
		"width", meta.Width,
		"height", meta.Height,
	)

	return &FFmpegSource{
		path:   path,
		meta:   meta,
		ffmpeg: opts.FFmpegPath,
		logger: opts.Logger,
	}, nil
}

func (s *FFmpegSource) Meta() models.VideoMeta { return s.meta }

// ReadFrame seeks to the frame's timestamp and decodes exactly one frame.
func (s *FFmpegSource) ReadFrame(ctx context.Context, index int) (models.Frame, error) {
	if index < 0 || index >= s.meta.FrameCount {
		return models.Frame{}, errors.NewFrameDecode(index, fmt.Errorf("index out of range [0,%d)", s.meta.FrameCount))
	}
	ts := s.meta.TimestampOf(index)

	cmd := exec.CommandContext(ctx, s.ffmpeg,
		"-v", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 6, 64),
		"-i", s.path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.Frame{}, ctxErr
	}
	if err != nil {
		// A vanished file is a seek failure for the whole run, not one frame.
		if _, statErr := os.Stat(s.path); statErr != nil {
			return models.Frame{}, errors.NewDecode(s.path, statErr)
		}
		return models.Frame{}, errors.NewFrameDecode(index, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String())))
	}
	if len(out) == 0 {
		return models.Frame{}, errors.NewFrameDecode(index, fmt.Errorf("ffmpeg produced no frame at %.3fs", ts))
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return models.Frame{}, errors.NewFrameDecode(index, err)
	}
	return models.Frame{Index: index, Timestamp: ts, Image: img}, nil
}

func (s *FFmpegSource) Close() error { return nil }

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(raw []byte) (models.VideoMeta, error) {
	var p probeOutput
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.VideoMeta{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(p.Streams) == 0 {
		return models.VideoMeta{}, fmt.Errorf("no video stream")
	}
	st := p.Streams[0]

	meta := models.VideoMeta{Width: st.Width, Height: st.Height}
	meta.FPS = parseRate(st.AvgFrameRate)
	if meta.FPS <= 0 {
		meta.FPS = parseRate(st.RFrameRate)
	}

	meta.Duration = parseFloat(st.Duration)
	if meta.Duration <= 0 {
		meta.Duration = parseFloat(p.Format.Duration)
	}

	if n, err := strconv.Atoi(strings.TrimSpace(st.NbFrames)); err == nil && n > 0 {
		meta.FrameCount = n
	} else if meta.Duration > 0 && meta.FPS > 0 {
		meta.FrameCount = int(math.Floor(meta.Duration * meta.FPS))
	}
	return meta, nil
}

// parseRate parses ffprobe rates such as "30000/1001" or "25".
func parseRate(s string) float64 {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, d := parseFloat(num), parseFloat(den)
		if d == 0 {
			return 0
		}
		return n / d
	}
	return parseFloat(s)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
