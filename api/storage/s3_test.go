package storage

import (
	"bytes"
	"context"
	"testing"
)

func TestArtifactKey(t *testing.T) {
	if got := ArtifactKey("abc", "result.txt"); got != "runs/abc/result.txt" {
		t.Errorf("ArtifactKey = %q", got)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"runs/a/screenshot_desktop.png": "image/png",
		"runs/a/browser.json":           "application/json",
		"runs/a/out":                    "application/octet-stream",
	}
	for key, want := range tests {
		if got := contentType(key); got != want {
			t.Errorf("contentType(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestMemoryArchive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	data := []byte("hello\n")
	if err := m.Put(ctx, "runs/r/out", data); err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'
	got, err := m.Get(ctx, "runs/r/out")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello\n")) {
		t.Errorf("Get = %q, stored bytes should be a copy", got)
	}
	if _, err := m.Get(ctx, "runs/r/missing"); err == nil {
		t.Error("missing key should error")
	}
}
