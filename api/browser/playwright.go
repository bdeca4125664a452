package browser

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"

	"skiff/api/model"
)

// Playwright drives a headless browser through playwright-go. The driver
// and browsers must already be installed on the host.
type Playwright struct {
	Engine         string // chromium or firefox
	ExecutablePath string
	Headless       bool
}

func NewPlaywright(engine, executablePath string) *Playwright {
	if engine == "" {
		engine = "chromium"
	}
	return &Playwright{Engine: engine, ExecutablePath: executablePath, Headless: true}
}

func (p *Playwright) Check(ctx context.Context, url string, bc model.BrowserCheck) (*Report, error) {
	start := time.Now()
	timeout := bc.Timeout.D()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	viewports := bc.Viewports
	if len(viewports) == 0 {
		viewports = model.DefaultViewports
	}

	inst, err := pw.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}
	defer inst.Stop()

	bt := inst.Chromium
	if p.Engine == "firefox" {
		bt = inst.Firefox
	}
	opts := pw.BrowserTypeLaunchOptions{Headless: pw.Bool(p.Headless)}
	if p.ExecutablePath != "" {
		opts.ExecutablePath = pw.String(p.ExecutablePath)
	}
	browser, err := bt.Launch(opts)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", p.Engine, err)
	}
	defer browser.Close()

	page, err := browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	defer page.Close()

	var mu sync.Mutex
	report := &Report{URL: url, ConsoleErrors: []string{}, Screenshots: map[string][]byte{}}
	page.OnConsole(func(msg pw.ConsoleMessage) {
		if msg.Type() == "error" {
			mu.Lock()
			report.ConsoleErrors = append(report.ConsoleErrors, msg.Text())
			mu.Unlock()
		}
	})

	resp, err := page.Goto(url, pw.PageGotoOptions{
		WaitUntil: pw.WaitUntilStateLoad,
		Timeout:   pw.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("navigating to %s: %w", url, err)
	}
	if resp != nil {
		report.Status = resp.Status()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.HeaderExists = count(page, "header") > 0
	report.FooterExists = count(page, "footer") > 0
	report.NavExists = count(page, "nav") > 0
	report.MainExists = count(page, "main") > 0
	report.FormCount = count(page, "form")
	report.ButtonCount = count(page, "button")
	if report.ButtonCount > 0 {
		report.ButtonClickable = boolPtr(true)
	}
	if report.FormCount > 0 {
		report.FormSubmittable = boolPtr(true)
	}

	for _, vp := range viewports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := page.SetViewportSize(vp.Width, vp.Height); err != nil {
			return nil, fmt.Errorf("viewport %s: %w", vp.Name, err)
		}
		shot, err := page.Screenshot(pw.PageScreenshotOptions{FullPage: pw.Bool(true)})
		if err != nil {
			return nil, fmt.Errorf("screenshot %s: %w", vp.Name, err)
		}
		report.Screenshots[vp.Name] = shot
	}

	mu.Lock()
	report.DurationMs = time.Since(start).Milliseconds()
	mu.Unlock()
	log.Printf("browser: checked %s in %dms (%d console errors)", url, report.DurationMs, len(report.ConsoleErrors))
	return report, nil
}

func count(page pw.Page, selector string) int {
	n, err := page.Locator(selector).Count()
	if err != nil {
		return 0
	}
	return n
}
