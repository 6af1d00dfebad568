package task

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Quality selects the GIF palette size.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

const (
	DefaultFPS     = 24
	DefaultWidth   = 720
	DefaultQuality = QualityHigh
)

// PaletteSize returns the maximum number of colors for q.
func (q Quality) PaletteSize() int {
	switch q {
	case QualityMedium:
		return 128
	case QualityLow:
		return 64
	default:
		return 256
	}
}

// Request holds the conversion parameters of a single upload.
type Request struct {
	FPS      int     `json:"fps" validate:"gt=0"`
	Width    int     `json:"width" validate:"gt=0"`
	Quality  Quality `json:"quality" validate:"oneof=high medium low"`
	Start    float64 `json:"start" validate:"gte=0"`
	Duration float64 `json:"duration" validate:"gte=0"`
}

// RawParams are the form values as received, before defaults are applied.
type RawParams struct {
	FPS      string `form:"fps"`
	Width    string `form:"width"`
	Start    string `form:"start"`
	Duration string `form:"duration"`
	Quality  string `form:"quality"`
}

var validate = validator.New()

// ParseRequest converts raw form values into a Request. Values that are
// missing, malformed or out of range are replaced by their defaults.
func ParseRequest(p RawParams) Request {
	return Request{
		FPS:      parsePositiveInt(p.FPS, DefaultFPS),
		Width:    parsePositiveInt(p.Width, DefaultWidth),
		Quality:  parseQuality(p.Quality),
		Start:    parseSeconds(p.Start),
		Duration: parseSeconds(p.Duration),
	}
}

// Validate reports the first field that violates its constraint.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid conversion request: %w", err)
	}
	return nil
}

func parsePositiveInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseSeconds(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func parseQuality(s string) Quality {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityHigh, QualityMedium, QualityLow:
		return q
	default:
		return DefaultQuality
	}
}
