package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeStore struct {
	deck    DeckInfo
	slides  []SlideContent
	deckErr error
}

func (f *fakeStore) GetDeckInfo(ctx context.Context, id string) (DeckInfo, error) {
	if f.deckErr != nil {
		return DeckInfo{}, f.deckErr
	}
	return f.deck, nil
}

func (f *fakeStore) ListSlideContents(ctx context.Context, deckID string) ([]SlideContent, error) {
	return f.slides, nil
}

type fakeRenderer struct {
	delay  time.Duration
	failAt int // 1-based render call that fails; 0 = never

	mu    sync.Mutex
	calls int
}

func (f *fakeRenderer) RenderPDFPage(ctx context.Context, html string, scale float64) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failAt > 0 && n == f.failAt {
		return nil, errors.New("renderer exploded")
	}
	return []byte(fmt.Sprintf("%%PDF-fake-page-%d", n)), nil
}

func (f *fakeRenderer) RenderPNG(ctx context.Context, html string, scale float64, imageQuality int) ([]byte, error) {
	return []byte("fake-png"), nil
}

func nSlides(n int) []SlideContent {
	slides := make([]SlideContent, n)
	for i := range slides {
		slides[i] = SlideContent{ID: fmt.Sprintf("sl-%d", i), Position: i, Background: "#ffffff"}
	}
	return slides
}

func newTestManager(t *testing.T, store DataStore, renderer Renderer) *Manager {
	t.Helper()
	m := NewManager(store, renderer, zap.NewNop(), t.TempDir(), 30*time.Minute)
	m.merge = func(inFiles []string, outFile string) error {
		var merged []byte
		for _, in := range inFiles {
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			merged = append(merged, data...)
			merged = append(merged, '\n')
		}
		return os.WriteFile(outFile, merged, 0o644)
	}
	return m
}

func waitForTerminal(t *testing.T, m *Manager, jobID string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.GetStatus(jobID)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if st.Status == StatusCompleted || st.Status == StatusFailed {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return JobStatus{}
}

func TestStartExportUnknownDeck(t *testing.T) {
	wantErr := errors.New("deck not found")
	m := newTestManager(t, &fakeStore{deckErr: wantErr}, &fakeRenderer{})

	if _, err := m.StartExport(context.Background(), "deck-x", QualityStandard); !errors.Is(err, wantErr) {
		t.Fatalf("StartExport() error = %v, want %v", err, wantErr)
	}
}

func TestStartExportEmptyDeckCreatesNoJob(t *testing.T) {
	m := newTestManager(t, &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Empty"}}, &fakeRenderer{})

	_, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if !errors.Is(err, ErrNoRenderableSlides) {
		t.Fatalf("StartExport() error = %v, want ErrNoRenderableSlides", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) != 0 {
		t.Fatalf("expected no job records, got %d", len(m.jobs))
	}
}

func TestStartExportNeverCompletesSynchronously(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Deck"}, slides: nSlides(3)}
	m := newTestManager(t, store, &fakeRenderer{delay: 20 * time.Millisecond})

	jobID, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}

	st, err := m.GetStatus(jobID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.Status != StatusPending && st.Status != StatusProcessing {
		t.Fatalf("status immediately after start = %s, want PENDING or PROCESSING", st.Status)
	}

	waitForTerminal(t, m, jobID)
}

func TestExportCompletesWithAllPagesMerged(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Q3 Sales Review"}, slides: nSlides(3)}
	m := newTestManager(t, store, &fakeRenderer{})

	var mergedFiles []string
	innerMerge := m.merge
	m.merge = func(inFiles []string, outFile string) error {
		mergedFiles = append(mergedFiles, inFiles...)
		return innerMerge(inFiles, outFile)
	}

	jobID, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}

	st := waitForTerminal(t, m, jobID)
	if st.Status != StatusCompleted {
		t.Fatalf("status = %s (err=%s), want COMPLETED", st.Status, st.Error)
	}
	if st.ProgressPercent != 100 || st.TotalSlides != 3 || st.CurrentSlide != 3 {
		t.Fatalf("unexpected final status: %+v", st)
	}
	if len(mergedFiles) != 3 {
		t.Fatalf("merged %d pages, want 3", len(mergedFiles))
	}

	path, filename, err := m.GetResult(jobID)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if filename != "Q3-Sales-Review.pdf" {
		t.Fatalf("filename = %q", filename)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if !strings.Contains(string(data), fmt.Sprintf("fake-page-%d", i)) {
			t.Fatalf("artifact missing page %d content", i)
		}
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Deck"}, slides: nSlides(4)}
	m := newTestManager(t, store, &fakeRenderer{delay: 10 * time.Millisecond})

	jobID, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}

	var observed []JobStatus
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.GetStatus(jobID)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		observed = append(observed, st)
		if st.Status == StatusCompleted || st.Status == StatusFailed {
			if st.Status != StatusCompleted {
				t.Fatalf("job failed: %s", st.Error)
			}
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	for i := 1; i < len(observed); i++ {
		if observed[i].ProgressPercent < observed[i-1].ProgressPercent {
			t.Fatalf("progress regressed at sample %d", i)
		}
	}
	last := observed[len(observed)-1]
	if last.ProgressPercent != 100 {
		t.Fatalf("final progress = %d, want 100", last.ProgressPercent)
	}
	// 100 is reserved for COMPLETED.
	for _, st := range observed {
		if st.ProgressPercent == 100 && st.Status != StatusCompleted {
			t.Fatalf("observed 100%% with status %s", st.Status)
		}
	}
}

func TestRenderFailureIsTerminal(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Deck"}, slides: nSlides(3)}
	m := newTestManager(t, store, &fakeRenderer{failAt: 2})

	jobID, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}

	st := waitForTerminal(t, m, jobID)
	if st.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", st.Status)
	}
	if !strings.Contains(st.Error, "render slide 2") {
		t.Fatalf("error = %q, want render slide 2 detail", st.Error)
	}

	if _, _, err := m.GetResult(jobID); !errors.Is(err, ErrResultNotReady) {
		t.Fatalf("GetResult() error = %v, want ErrResultNotReady", err)
	}

	// No partial artifact may survive a failed job.
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		t.Fatalf("read export dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "deckwork-export-") {
			t.Fatalf("unexpected artifact after failure: %s", e.Name())
		}
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Deck"}, slides: nSlides(1)}
	m := newTestManager(t, store, &fakeRenderer{})

	jobID, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	waitForTerminal(t, m, jobID)

	path, _, err := m.GetResult(jobID)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}

	m.Cleanup(jobID)
	m.Cleanup(jobID)

	if _, err := m.GetStatus(jobID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("GetStatus() after cleanup error = %v, want ErrJobNotFound", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact still present after cleanup: %v", err)
	}
}

func hasEntryWithPrefix(t *testing.T, dir, prefix string) bool {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read export dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return true
		}
	}
	return false
}

func TestCleanupDuringRenderLeavesNoArtifact(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Deck"}, slides: nSlides(2)}
	renderer := &fakeRenderer{delay: 25 * time.Millisecond}
	m := newTestManager(t, store, renderer)

	jobID, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}

	// Wait until the first page render is underway, then reclaim the job
	// while the goroutine is still working on it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		renderer.mu.Lock()
		started := renderer.calls > 0
		renderer.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("render never started")
		}
		time.Sleep(time.Millisecond)
	}
	m.Cleanup(jobID)

	// The render goroutine removes its page dir on the way out; once that
	// is gone, merge and completion handling have already run.
	for hasEntryWithPrefix(t, m.dir, "pages-"+jobID) {
		if time.Now().After(deadline) {
			t.Fatal("render goroutine never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if hasEntryWithPrefix(t, m.dir, "deckwork-export-"+jobID) {
		t.Fatal("artifact survived cleanup of an in-flight job")
	}
	if _, err := m.GetStatus(jobID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("GetStatus() error = %v, want ErrJobNotFound", err)
	}
	if swept := m.SweepExpired(); swept != 0 {
		t.Fatalf("SweepExpired() = %d, want 0", swept)
	}
}

func TestSweepExpiredRemovesOldJobs(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Deck"}, slides: nSlides(1)}
	m := newTestManager(t, store, &fakeRenderer{})

	oldID, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	waitForTerminal(t, m, oldID)
	oldPath, _, err := m.GetResult(oldID)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}

	freshID, err := m.StartExport(context.Background(), "deck-1", QualityStandard)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	waitForTerminal(t, m, freshID)

	m.mu.Lock()
	m.jobs[oldID].CreatedAt = time.Now().Add(-31 * time.Minute)
	m.mu.Unlock()

	if swept := m.SweepExpired(); swept != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", swept)
	}

	if _, err := m.GetStatus(oldID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expired job still present: %v", err)
	}
	if _, err := os.Stat(oldPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expired artifact still present: %v", err)
	}
	if _, err := m.GetStatus(freshID); err != nil {
		t.Fatalf("fresh job swept: %v", err)
	}
}

func TestRenderSlidePNG(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Deck"}, slides: nSlides(2)}
	m := newTestManager(t, store, &fakeRenderer{})

	data, err := m.RenderSlidePNG(context.Background(), "deck-1", 1, 1.5)
	if err != nil {
		t.Fatalf("RenderSlidePNG() error = %v", err)
	}
	if string(data) != "fake-png" {
		t.Fatalf("unexpected png data: %q", data)
	}

	if _, err := m.RenderSlidePNG(context.Background(), "deck-1", 2, 1.5); !errors.Is(err, ErrInvalidSlideIndex) {
		t.Fatalf("out-of-range index error = %v, want ErrInvalidSlideIndex", err)
	}
	if _, err := m.RenderSlidePNG(context.Background(), "deck-1", -1, 1.5); !errors.Is(err, ErrInvalidSlideIndex) {
		t.Fatalf("negative index error = %v, want ErrInvalidSlideIndex", err)
	}
}

func TestPageFilesOrderedByPosition(t *testing.T) {
	store := &fakeStore{deck: DeckInfo{ID: "deck-1", Title: "Deck"}, slides: nSlides(3)}
	m := newTestManager(t, store, &fakeRenderer{})

	var order []string
	innerMerge := m.merge
	m.merge = func(inFiles []string, outFile string) error {
		for _, f := range inFiles {
			order = append(order, filepath.Base(f))
		}
		return innerMerge(inFiles, outFile)
	}

	jobID, err := m.StartExport(context.Background(), "deck-1", QualityDraft)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	st := waitForTerminal(t, m, jobID)
	if st.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", st.Status)
	}

	want := []string{"page-000.pdf", "page-001.pdf", "page-002.pdf"}
	if len(order) != len(want) {
		t.Fatalf("merged pages = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("page order = %v, want %v", order, want)
		}
	}
}
