package test

import (
	"os"
	"testing"
)

// Integration skips the test unless DEVTRACE_INTEGRATION=1.
// Integration tests need a Docker daemon or a local browser.
func Integration(t *testing.T) {
	if os.Getenv("DEVTRACE_INTEGRATION") != "1" {
		t.Skip("skipping integration test, set DEVTRACE_INTEGRATION=1 to run")
	}
}
