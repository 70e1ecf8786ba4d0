// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// RecordEnv switches cassettes to recording mode when set to "record".
const RecordEnv = "VCR_MODE"

// Recording reports whether cassettes are being re-recorded against the
// real upstream.
func Recording() bool {
	return os.Getenv(RecordEnv) == "record"
}

// NewVCRRecorder opens testdata/fixtures/<cassetteName>.yaml for replay, or
// for recording when VCR_MODE=record. The recorder is stopped when the test
// ends.
func NewVCRRecorder(t *testing.T, cassetteName string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if Recording() {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Bodies carry model parameters that change between runs; method and
	// URL identify the endpoint.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	// Never persist credentials.
	r.AddFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "Authorization")
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	})

	return r
}

// VCRHTTPClient returns an HTTP client that replays or records the named
// cassette.
func VCRHTTPClient(t *testing.T, cassetteName string) *http.Client {
	t.Helper()
	return &http.Client{Transport: NewVCRRecorder(t, cassetteName)}
}

// APIKey returns the key to use against the upstream: the real one when
// recording, a placeholder when replaying. Tests that record without a key
// are skipped.
func APIKey(t *testing.T) string {
	t.Helper()

	key := os.Getenv("OPENAI_API_KEY")
	if Recording() && key == "" {
		t.Skip("Skipping test: OPENAI_API_KEY not set")
	}
	if key == "" {
		key = "test-key"
	}
	return key
}
