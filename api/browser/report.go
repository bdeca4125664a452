package browser

import (
	"context"
	"encoding/json"

	"skiff/api/model"
)

// Checker loads a page and reports on its structure.
type Checker interface {
	Check(ctx context.Context, url string, bc model.BrowserCheck) (*Report, error)
}

type Report struct {
	URL             string            `json:"url"`
	Status          int               `json:"status"`
	HeaderExists    bool              `json:"header_exists"`
	FooterExists    bool              `json:"footer_exists"`
	NavExists       bool              `json:"nav_exists"`
	MainExists      bool              `json:"main_exists"`
	FormCount       int               `json:"form_count"`
	ButtonCount     int               `json:"button_count"`
	ButtonClickable *bool             `json:"button_clickable"`
	FormSubmittable *bool             `json:"form_submittable"`
	ConsoleErrors   []string          `json:"console_errors"`
	DurationMs      int64             `json:"durationMs"`
	Screenshots     map[string][]byte `json:"-"`
}

// Artifacts turns a report into the files a workflow result carries:
// browser.json plus one screenshot_<viewport>.png per viewport.
func (r *Report) Artifacts() (map[string][]byte, error) {
	if r.ConsoleErrors == nil {
		r.ConsoleErrors = []string{}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	out := map[string][]byte{"browser.json": data}
	for name, png := range r.Screenshots {
		out["screenshot_"+name+".png"] = png
	}
	return out, nil
}

func boolPtr(b bool) *bool { return &b }
