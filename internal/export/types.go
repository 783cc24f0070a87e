// Package export renders decks into downloadable PDF and PNG artifacts.
// Jobs are tracked in process memory only; decks are the system of record
// and a lost job is recovered by starting a fresh export.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DataStore defines the interface for deck data access
type DataStore interface {
	GetDeckInfo(ctx context.Context, id string) (DeckInfo, error)
	ListSlideContents(ctx context.Context, deckID string) ([]SlideContent, error)
}

// DeckInfo holds basic deck metadata
type DeckInfo struct {
	ID    string
	Title string
}

// SlideContent is one renderable unit: a slide with its elements.
type SlideContent struct {
	ID         string
	Position   int
	Background string
	Elements   []ElementContent
}

// ElementContent holds one canvas element
type ElementContent struct {
	Kind      string
	Payload   json.RawMessage
	SortOrder int
}

// Status is an export job's lifecycle state
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Quality selects the render resolution trade-off
type Quality string

const (
	QualityDraft    Quality = "draft"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
)

// ParseQuality maps a request parameter to a tier. Empty input means
// standard; anything unrecognised is an error.
func ParseQuality(s string) (Quality, error) {
	switch s {
	case "":
		return QualityStandard, nil
	case string(QualityDraft):
		return QualityDraft, nil
	case string(QualityStandard):
		return QualityStandard, nil
	case string(QualityHigh):
		return QualityHigh, nil
	default:
		return "", errors.New("unknown quality tier: " + s)
	}
}

// Scale is the viewport multiplier applied to every rendered page.
func (q Quality) Scale() float64 {
	switch q {
	case QualityDraft:
		return 1.0
	case QualityHigh:
		return 2.0
	default:
		return 1.5
	}
}

// ImageQuality is the JPEG/PNG compression setting for raster output.
func (q Quality) ImageQuality() int {
	switch q {
	case QualityDraft:
		return 60
	case QualityHigh:
		return 95
	default:
		return 80
	}
}

// Job is one in-flight or completed export.
type Job struct {
	ID              string
	DeckID          string
	Status          Status
	TotalSlides     int
	CompletedSlides int
	ArtifactPath    string
	Filename        string
	Error           string
	CreatedAt       time.Time
}

// JobStatus is the read-only view returned to pollers. It never carries
// the artifact path.
type JobStatus struct {
	JobID           string `json:"jobId"`
	Status          Status `json:"status"`
	ProgressPercent int    `json:"progress"`
	CurrentSlide    int    `json:"currentSlide"`
	TotalSlides     int    `json:"totalSlides"`
	Error           string `json:"error,omitempty"`
}

var (
	// ErrJobNotFound indicates an unknown or already cleaned-up job ID.
	ErrJobNotFound = errors.New("export job not found")
	// ErrNoRenderableSlides indicates an export request for a deck with no slides.
	ErrNoRenderableSlides = errors.New("deck has no renderable slides")
	// ErrInvalidSlideIndex indicates a PNG render request for an out-of-range slide.
	ErrInvalidSlideIndex = errors.New("slide index out of range")
	// ErrResultNotReady indicates a download attempt before the job completed.
	ErrResultNotReady = errors.New("export result not ready")
	// ErrRenderDependencyMissing indicates the headless browser is unavailable.
	ErrRenderDependencyMissing = errors.New("render dependency missing")
)
