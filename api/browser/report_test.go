package browser

import (
	"encoding/json"
	"testing"
)

func TestReportArtifacts(t *testing.T) {
	r := &Report{
		URL:          "http://127.0.0.1:49153/",
		HeaderExists: true,
		ButtonCount:  2,
		Screenshots: map[string][]byte{
			"desktop": []byte("png-d"),
			"mobile":  []byte("png-m"),
		},
	}
	arts, err := r.Artifacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(arts))
	}
	if string(arts["screenshot_mobile.png"]) != "png-m" {
		t.Errorf("mobile screenshot = %q", arts["screenshot_mobile.png"])
	}

	var decoded map[string]any
	if err := json.Unmarshal(arts["browser.json"], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["header_exists"] != true || decoded["button_count"] != float64(2) {
		t.Errorf("browser.json = %s", arts["browser.json"])
	}
	if _, ok := decoded["Screenshots"]; ok {
		t.Error("screenshots must not be inlined in browser.json")
	}
	if errs, ok := decoded["console_errors"].([]any); !ok || len(errs) != 0 {
		t.Errorf("console_errors = %v, want empty list", decoded["console_errors"])
	}
}
