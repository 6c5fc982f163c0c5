package stages

import (
	"math"

	"github.com/bdougie/stagecut/internal/models"
)

const (
	// DefaultEnd is the end of the range given to a descriptor whose range
	// text could not be parsed.
	DefaultEnd = 1.0

	minDuration   = 0.05
	floorDuration = 0.1
)

// Normalize converts raw descriptors into stages in emission order.
//
// When the duration is known the final stage always ends exactly at it.
// Every stage ends after it starts. Gaps between stages are kept. When the
// duration is unknown every stage is flagged QualityDurationUnknown.
func Normalize(videoID string, raws []models.RawStage, duration float64, known bool) []models.Stage {
	known = known && duration > 0 && !math.IsInf(duration, 0)

	out := make([]models.Stage, 0, len(raws))
	for i, raw := range raws {
		st := models.Stage{
			VideoID:     videoID,
			Ordinal:     i,
			Name:        raw.Label,
			Description: raw.Description,
		}

		start, end, err := ParseRange(raw.Range)
		if err != nil {
			start, end = 0, DefaultEnd
			st.Quality |= models.QualityDegradedDefault
		}
		if start < 0 {
			start = 0
		}

		pinned := known && i == len(raws)-1
		if pinned {
			end = duration
		}

		if end-start <= minDuration {
			if pinned {
				start = math.Max(0, duration-floorDuration)
			} else {
				end = start + floorDuration
			}
		}

		if !known {
			st.Quality |= models.QualityDurationUnknown
		}

		st.Start = start
		st.End = end
		st.Duration = end - start
		out = append(out, st)
	}
	return out
}

// Flag sets q on every stage.
func Flag(list []models.Stage, q models.Quality) {
	for i := range list {
		list[i].Quality |= q
	}
}
