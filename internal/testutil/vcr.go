// Package testutil holds helpers shared by provider adapter tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// secretHeaders never reach a cassette on disk.
var secretHeaders = []string{"Authorization", "X-Api-Key", "X-Goog-Api-Key"}

// NewVCRRecorder opens testdata/fixtures/<cassetteName>.yaml for replay.
// With VCR_MODE=record it records real traffic instead, with credentials
// stripped. The recorder is stopped when the test ends.
func NewVCRRecorder(t *testing.T, cassetteName string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Request bodies carry volatile fields, so only method and URL match.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	r.AddFilter(func(i *cassette.Interaction) error {
		for _, h := range secretHeaders {
			delete(i.Request.Headers, h)
		}
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	})

	return r
}

// NewVCRClient returns an HTTP client that replays (or records) the named
// cassette.
func NewVCRClient(t *testing.T, cassetteName string) *http.Client {
	t.Helper()
	return &http.Client{Transport: NewVCRRecorder(t, cassetteName)}
}

// APIKey returns the key from env when recording, or a placeholder for
// replay.
func APIKey(env string) string {
	if key := os.Getenv(env); key != "" {
		return key
	}
	return "test-key"
}
