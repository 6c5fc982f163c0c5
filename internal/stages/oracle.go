package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

// FallbackLabel names the single stage used when the oracle gave nothing usable.
const FallbackLabel = "Video analysis"

type payload struct {
	Stage       texts `json:"stage"`
	Stages      texts `json:"stages"`
	Time        texts `json:"time"`
	Description texts `json:"description"`
}

// texts decodes a JSON array whose items may be strings or bare numbers.
type texts []string

func (t *texts) UnmarshalJSON(b []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("unsupported array item %s", item)
		}
		out = append(out, n.String())
	}
	*t = out
	return nil
}

// ParseOracleResponse extracts stage descriptors from the oracle's reply.
// The reply may wrap its JSON object in a Markdown code fence or in prose.
// Arrays of unequal length are cut to the shortest and reported with
// QualityRaggedOracle.
func ParseOracleResponse(text string) ([]models.RawStage, models.Quality, error) {
	body := extractJSON(text)
	if body == "" {
		return nil, models.QualityNormal, errors.NewOracleFormat("empty oracle response", nil)
	}

	var p payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, models.QualityNormal, errors.NewOracleFormat("oracle response is not a stage object", err)
	}

	labels := p.Stage
	if len(labels) == 0 {
		labels = p.Stages
	}

	n := min(len(labels), len(p.Time), len(p.Description))
	if n == 0 {
		return nil, models.QualityNormal, errors.NewOracleFormat(
			fmt.Sprintf("oracle response has no complete stages (stage=%d time=%d description=%d)",
				len(labels), len(p.Time), len(p.Description)), nil)
	}

	q := models.QualityNormal
	if len(labels) != n || len(p.Time) != n || len(p.Description) != n {
		q = models.QualityRaggedOracle
	}

	raws := make([]models.RawStage, n)
	for i := range raws {
		raws[i] = models.RawStage{
			Label:       strings.TrimSpace(labels[i]),
			Range:       strings.TrimSpace(p.Time[i]),
			Description: strings.TrimSpace(p.Description[i]),
		}
	}
	return raws, q, nil
}

// Fallback returns the single whole-video descriptor used when the oracle
// failed or replied with something unusable.
func Fallback(duration, lastKeyframe float64, reason string) []models.RawStage {
	end := lastKeyframe
	if duration > end {
		end = duration
	}
	desc := "Stage analysis unavailable; the whole video is one stage."
	if reason != "" {
		desc = "Stage analysis unavailable: " + reason
	}
	return []models.RawStage{{
		Label:       FallbackLabel,
		Range:       FormatRange(0, end),
		Description: desc,
	}}
}

func extractJSON(text string) string {
	t := strings.TrimSpace(text)
	if i := strings.Index(t, "```json"); i >= 0 {
		t = fenced(t[i+len("```json"):])
	} else if i := strings.Index(t, "```"); i >= 0 {
		t = fenced(t[i+len("```"):])
	}

	if i := strings.Index(t, "{"); i >= 0 {
		if j := strings.LastIndex(t, "}"); j > i {
			return t[i : j+1]
		}
	}
	return strings.TrimSpace(t)
}

func fenced(rest string) string {
	if j := strings.Index(rest, "```"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}
