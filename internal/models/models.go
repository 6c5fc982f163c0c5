package models

import (
	"image"
	"strings"
)

// VideoMeta describes a video as read from its container.
type VideoMeta struct {
	FPS        float64 `json:"fps"`
	FrameCount int     `json:"frame_count"`
	Duration   float64 `json:"duration_seconds"` // 0 when the container does not report one
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// HasDuration reports whether the container gave a usable duration.
func (m VideoMeta) HasDuration() bool {
	return m.Duration > 0
}

// LastFrame returns the index of the final frame of the video.
func (m VideoMeta) LastFrame() int {
	if m.FrameCount <= 0 {
		return 0
	}
	return m.FrameCount - 1
}

// TimestampOf converts a frame index to seconds.
func (m VideoMeta) TimestampOf(index int) float64 {
	if m.FPS <= 0 {
		return 0
	}
	return float64(index) / m.FPS
}

// Frame is a decoded frame. It is only held for one comparison step.
type Frame struct {
	Index     int
	Timestamp float64
	Image     image.Image
}

// Keyframe is a frame selected as the start of a new visual scene.
type Keyframe struct {
	VideoID    string  `json:"video_id"`
	Ordinal    int     `json:"ordinal"`
	Index      int     `json:"frame_index"`
	Timestamp  float64 `json:"timestamp_seconds"`
	Similarity float64 `json:"similarity_to_predecessor"`
	ImageRef   string  `json:"image_ref,omitempty"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Synthetic  bool    `json:"synthetic,omitempty"` // forced end-of-video boundary
}

// TimestampMS returns the keyframe timestamp in whole milliseconds.
func (k Keyframe) TimestampMS() int64 {
	return int64(k.Timestamp*1000 + 0.5)
}

// Quality records recovered problems on a stage. Zero means normal.
type Quality uint8

const (
	QualityNormal          Quality = 0
	QualityDegradedDefault Quality = 1 << iota
	QualityDurationUnknown
	QualityRaggedOracle
)

var qualityNames = []struct {
	bit  Quality
	name string
}{
	{QualityDegradedDefault, "degraded-default"},
	{QualityDurationUnknown, "duration-unknown"},
	{QualityRaggedOracle, "ragged-oracle"},
}

// Has reports whether all bits of f are set on q.
func (q Quality) Has(f Quality) bool {
	return f != 0 && q&f == f
}

func (q Quality) String() string {
	if q == QualityNormal {
		return "normal"
	}
	var parts []string
	for _, n := range qualityNames {
		if q.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseQuality is the inverse of Quality.String. Unknown names are ignored.
func ParseQuality(s string) Quality {
	var q Quality
	for _, part := range strings.Split(s, "|") {
		for _, n := range qualityNames {
			if strings.TrimSpace(part) == n.name {
				q |= n.bit
			}
		}
	}
	return q
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(b []byte) error {
	*q = ParseQuality(string(b))
	return nil
}

// Stage is a named, time-bounded phase of recorded behavior.
type Stage struct {
	VideoID     string  `json:"video_id"`
	Ordinal     int     `json:"ordinal"`
	Name        string  `json:"name"`
	Start       float64 `json:"start_time"`
	End         float64 `json:"end_time"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description"`
	Quality     Quality `json:"quality"`
}

// RawStage is one (label, range text, description) triple from the oracle.
type RawStage struct {
	Label       string
	Range       string
	Description string
}

// Video is the stored record for an analysed video.
type Video struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	ProductName string    `json:"product_name,omitempty"`
	Meta        VideoMeta `json:"meta"`
}

// Analysis is the full result of one analysis run.
type Analysis struct {
	RunID     string     `json:"run_id"`
	Video     Video      `json:"video"`
	Keyframes []Keyframe `json:"keyframes"`
	Stages    []Stage    `json:"stages"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// StageMatch is a stored stage returned by a similarity search.
type StageMatch struct {
	Stage       Stage   `json:"stage"`
	ProductName string  `json:"product_name,omitempty"`
	VideoPath   string  `json:"video_path,omitempty"`
	Similarity  float64 `json:"similarity"`
}
