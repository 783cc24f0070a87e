package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Renderer turns slide HTML into page bytes. The concrete rendering
// technology sits behind this interface so tests can substitute a fake.
type Renderer interface {
	RenderPDFPage(ctx context.Context, html string, scale float64) ([]byte, error)
	RenderPNG(ctx context.Context, html string, scale float64, imageQuality int) ([]byte, error)
}

// ChromeRenderer drives a headless Chromium via the DevTools protocol.
type ChromeRenderer struct {
	timeout time.Duration
}

func NewChromeRenderer(timeout time.Duration) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeRenderer{timeout: timeout}
}

// percentEncodeForDataURL encodes a string for use in a data URL
// Unlike url.QueryEscape, this properly encodes spaces as %20 for data URLs
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			// Unreserved characters per RFC 3986
			result.WriteRune(r)
		case r == ' ':
			// Space must be encoded as %20 in data URLs, not +
			result.WriteString("%20")
		default:
			// Percent-encode all other characters
			for _, b := range string(r) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}

// chromeBinaries are the executable names checked before launching a
// render; chromedp's default allocator resolves the same set, so any hit
// here means the allocator will find a browser too.
var chromeBinaries = []string{
	"chromium-browser",
	"chromium",
	"google-chrome",
	"google-chrome-stable",
	"headless-shell",
	"chrome",
}

func checkChromium() error {
	for _, name := range chromeBinaries {
		if _, err := exec.LookPath(name); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no chromium or chrome binary on PATH", ErrRenderDependencyMissing)
}

func (r *ChromeRenderer) newTaskContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := checkChromium(); err != nil {
		return nil, nil, err
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, r.timeout)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-web-security", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)

	cancel := func() {
		cancelTask()
		cancelAlloc()
		cancelTimeout()
	}
	return taskCtx, cancel, nil
}

// RenderPDFPage renders one slide page as a single-page PDF. Slides are
// 16:9, so pages are 13.33x7.5 inch landscape; scale raises the viewport
// resolution for embedded raster content.
func (r *ChromeRenderer) RenderPDFPage(ctx context.Context, html string, scale float64) ([]byte, error) {
	taskCtx, cancel, err := r.newTaskContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(html)

	var pdfData []byte
	err = chromedp.Run(taskCtx,
		chromedp.EmulateViewport(int64(slideWidthPx*scale), int64(slideHeightPx*scale)),
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(13.333).
				WithPaperHeight(7.5).
				WithLandscape(false).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				WithPreferCSSPageSize(false).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf render failed: %w", err)
	}
	return pdfData, nil
}

// RenderPNG renders one slide as a PNG screenshot of the full viewport.
func (r *ChromeRenderer) RenderPNG(ctx context.Context, html string, scale float64, imageQuality int) ([]byte, error) {
	taskCtx, cancel, err := r.newTaskContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(html)

	var pngData []byte
	err = chromedp.Run(taskCtx,
		chromedp.EmulateViewport(int64(slideWidthPx*scale), int64(slideHeightPx*scale)),
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.FullScreenshot(&pngData, imageQuality),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome png render failed: %w", err)
	}
	return pngData, nil
}
