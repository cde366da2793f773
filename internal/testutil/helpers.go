// Package testutil provides shared test helpers for easytsdb packages.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDataDir returns a temporary directory suitable as an engine data
// directory. It is cleaned up when the test completes.
func TempDataDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "tsdb")
}

// MustNotExist asserts that the path does not exist.
func MustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to not exist", path)
	}
}

// MustExist asserts that the path exists.
func MustExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}
