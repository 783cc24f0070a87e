package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
)

// MergeFunc combines per-page PDF files into one multi-page document.
type MergeFunc func(inFiles []string, outFile string) error

func pdfcpuMerge(inFiles []string, outFile string) error {
	return api.MergeCreateFile(inFiles, outFile, false, nil)
}

// Manager owns the process-wide export job registry. All job state lives
// behind its mutex; nothing outside this package reads or writes a Job.
type Manager struct {
	store     DataStore
	renderer  Renderer
	logger    *zap.Logger
	dir       string
	retention time.Duration
	merge     MergeFunc

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewManager creates an export job manager. dir is the scratch directory
// for page files and merged artifacts; retention bounds how long an
// undownloaded job survives before the sweep reclaims it.
func NewManager(store DataStore, renderer Renderer, logger *zap.Logger, dir string, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &Manager{
		store:     store,
		renderer:  renderer,
		logger:    logger,
		dir:       dir,
		retention: retention,
		merge:     pdfcpuMerge,
		jobs:      make(map[string]*Job),
	}
}

// StartExport validates the deck, registers a PENDING job, and kicks off
// rendering in the background. It returns the job ID immediately; the
// caller polls GetStatus for progress.
func (m *Manager) StartExport(ctx context.Context, deckID string, quality Quality) (string, error) {
	deck, err := m.store.GetDeckInfo(ctx, deckID)
	if err != nil {
		return "", err
	}

	slides, err := m.store.ListSlideContents(ctx, deckID)
	if err != nil {
		return "", fmt.Errorf("list slides: %w", err)
	}
	if len(slides) == 0 {
		return "", ErrNoRenderableSlides
	}

	job := &Job{
		ID:          uuid.NewString(),
		DeckID:      deckID,
		Status:      StatusPending,
		TotalSlides: len(slides),
		Filename:    sanitizeFilename(deck.Title) + ".pdf",
		CreatedAt:   time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	// Rendering is detached from the request context: the HTTP call that
	// started the export returns before the work finishes.
	go m.run(context.Background(), job.ID, slides, quality)

	return job.ID, nil
}

func (m *Manager) run(ctx context.Context, jobID string, slides []SlideContent, quality Quality) {
	m.setStatus(jobID, StatusProcessing)

	pageDir, err := os.MkdirTemp(m.dir, "pages-"+jobID+"-")
	if err != nil {
		m.fail(jobID, fmt.Errorf("create page dir: %w", err))
		return
	}
	defer os.RemoveAll(pageDir)

	pageFiles := make([]string, 0, len(slides))
	for i, slide := range slides {
		html, err := RenderSlideHTML(slide)
		if err != nil {
			m.fail(jobID, fmt.Errorf("slide %d: %w", i+1, err))
			return
		}

		pageBytes, err := m.renderer.RenderPDFPage(ctx, html, quality.Scale())
		if err != nil {
			m.fail(jobID, fmt.Errorf("render slide %d: %w", i+1, err))
			return
		}

		pageFile := filepath.Join(pageDir, fmt.Sprintf("page-%03d.pdf", i))
		if err := os.WriteFile(pageFile, pageBytes, 0o644); err != nil {
			m.fail(jobID, fmt.Errorf("write page %d: %w", i+1, err))
			return
		}
		pageFiles = append(pageFiles, pageFile)

		m.advance(jobID, i+1)
	}

	outPath := filepath.Join(m.dir, "deckwork-export-"+jobID+".pdf")
	if err := m.merge(pageFiles, outPath); err != nil {
		m.fail(jobID, fmt.Errorf("merge pages: %w", err))
		return
	}

	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if ok {
		job.Status = StatusCompleted
		job.ArtifactPath = outPath
	}
	m.mu.Unlock()

	// The job may have been reclaimed by Cleanup or the sweeper while the
	// render was still running. Its record is gone, so nothing would ever
	// delete the artifact; remove it here instead of orphaning it.
	if !ok {
		if err := os.Remove(outPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("remove orphaned export artifact", zap.String("job", jobID), zap.Error(err))
		}
	}
}

func (m *Manager) setStatus(jobID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = status
	}
}

func (m *Manager) advance(jobID string, completed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok && completed > job.CompletedSlides {
		job.CompletedSlides = completed
	}
}

func (m *Manager) fail(jobID string, err error) {
	m.logger.Warn("export job failed", zap.String("job", jobID), zap.Error(err))
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = StatusFailed
		job.Error = err.Error()
	}
}

// GetStatus reports a job's progress. The artifact path is never exposed
// here; progress reads 100 only once the job has completed.
func (m *Manager) GetStatus(jobID string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return JobStatus{}, ErrJobNotFound
	}

	progress := 0
	if job.TotalSlides > 0 {
		progress = job.CompletedSlides * 100 / job.TotalSlides
	}
	if job.Status != StatusCompleted && progress >= 100 {
		progress = 99
	}
	if job.Status == StatusCompleted {
		progress = 100
	}

	return JobStatus{
		JobID:           job.ID,
		Status:          job.Status,
		ProgressPercent: progress,
		CurrentSlide:    job.CompletedSlides,
		TotalSlides:     job.TotalSlides,
		Error:           job.Error,
	}, nil
}

// GetResult returns the artifact location for a completed job. Callers get
// ErrResultNotReady for pending, processing, and failed jobs, and
// ErrJobNotFound once cleanup has run.
func (m *Manager) GetResult(jobID string) (path, filename string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return "", "", ErrJobNotFound
	}
	if job.Status != StatusCompleted || job.ArtifactPath == "" {
		return "", "", ErrResultNotReady
	}
	if _, statErr := os.Stat(job.ArtifactPath); statErr != nil {
		return "", "", ErrResultNotReady
	}
	return job.ArtifactPath, job.Filename, nil
}

// Cleanup removes a job record and its artifact. Idempotent: missing jobs
// and missing files are not errors.
func (m *Manager) Cleanup(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if ok {
		delete(m.jobs, jobID)
	}
	m.mu.Unlock()

	if !ok || job.ArtifactPath == "" {
		return
	}
	if err := os.Remove(job.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("remove export artifact", zap.String("job", jobID), zap.Error(err))
	}
}

// SweepExpired reclaims every job older than the retention age, regardless
// of status, and returns how many were removed.
func (m *Manager) SweepExpired() int {
	cutoff := time.Now().Add(-m.retention)

	m.mu.Lock()
	var expired []string
	for id, job := range m.jobs {
		if job.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Cleanup(id)
	}
	if len(expired) > 0 {
		m.logger.Info("swept expired export jobs", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// StartSweeper runs SweepExpired on a fixed interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepExpired()
			}
		}
	}()
}

// RenderSlidePNG renders a single slide synchronously. slideIndex is
// zero-based; scale <= 0 falls back to the standard tier's scale.
func (m *Manager) RenderSlidePNG(ctx context.Context, deckID string, slideIndex int, scale float64) ([]byte, error) {
	if _, err := m.store.GetDeckInfo(ctx, deckID); err != nil {
		return nil, err
	}

	slides, err := m.store.ListSlideContents(ctx, deckID)
	if err != nil {
		return nil, fmt.Errorf("list slides: %w", err)
	}
	if slideIndex < 0 || slideIndex >= len(slides) {
		return nil, ErrInvalidSlideIndex
	}
	if scale <= 0 {
		scale = QualityStandard.Scale()
	}

	html, err := RenderSlideHTML(slides[slideIndex])
	if err != nil {
		return nil, err
	}
	return m.renderer.RenderPNG(ctx, html, scale, QualityStandard.ImageQuality())
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		default:
			// Skip other characters
		}
	}

	if len(result) > 50 {
		result = result[:50]
	}

	if result == "" {
		result = "deck"
	}

	return result
}
