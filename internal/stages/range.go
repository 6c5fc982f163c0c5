// Package stages turns the labeling oracle's loosely formatted output into a
// validated stage timeline.
package stages

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bdougie/stagecut/internal/errors"
)

type unit int

const (
	unitNone unit = iota
	unitSeconds
	unitMillis
)

// ParseRange parses "<start>[unit]~<end>[unit]" into seconds. Units are "ms"
// or "s"; a side without a unit inherits "ms" from the other side and is
// seconds otherwise. A single value is the end of a range starting at 0.
// The full-width tilde is accepted as a separator.
func ParseRange(text string) (start, end float64, err error) {
	t := strings.TrimSpace(strings.ReplaceAll(text, "～", "~"))
	if t == "" {
		return 0, 0, errors.NewStageRangeParse(text, fmt.Errorf("empty range"))
	}

	parts := strings.Split(t, "~")
	switch len(parts) {
	case 1:
		v, u, err := parseValue(parts[0])
		if err != nil {
			return 0, 0, errors.NewStageRangeParse(text, err)
		}
		return 0, toSeconds(v, u, u), nil
	case 2:
		sv, su, err := parseValue(parts[0])
		if err != nil {
			return 0, 0, errors.NewStageRangeParse(text, err)
		}
		ev, eu, err := parseValue(parts[1])
		if err != nil {
			return 0, 0, errors.NewStageRangeParse(text, err)
		}
		return toSeconds(sv, su, eu), toSeconds(ev, eu, su), nil
	default:
		return 0, 0, errors.NewStageRangeParse(text, fmt.Errorf("expected one separator, found %d", len(parts)-1))
	}
}

func parseValue(s string) (float64, unit, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	u := unitNone
	switch {
	case strings.HasSuffix(s, "ms"):
		u = unitMillis
		s = strings.TrimSpace(strings.TrimSuffix(s, "ms"))
	case strings.HasSuffix(s, "s"):
		u = unitSeconds
		s = strings.TrimSpace(strings.TrimSuffix(s, "s"))
	}
	if s == "" {
		return 0, u, fmt.Errorf("missing value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, u, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, u, fmt.Errorf("value %q is not finite", s)
	}
	return v, u, nil
}

func toSeconds(v float64, u, other unit) float64 {
	if u == unitNone && other == unitMillis {
		u = unitMillis
	}
	if u == unitMillis {
		return v / 1000
	}
	return v
}

// FormatRange renders seconds in the millisecond range form the oracle uses.
func FormatRange(start, end float64) string {
	return fmt.Sprintf("%dms~%dms", int64(math.Round(start*1000)), int64(math.Round(end*1000)))
}
