// ABOUTME: Test utilities for creating isolated KV clients
// ABOUTME: Uses temporary directories with a local BadgerDB for test isolation

package charm

import (
	"path/filepath"
	"testing"
)

// NewTestClient creates a client over a local badger store in a temporary directory.
// The returned cleanup function should be deferred; t.TempDir removes the files.
func NewTestClient(t *testing.T) (*Client, func()) {
	t.Helper()

	cfg := &Config{
		Backend:  BackendLocal,
		Host:     "localhost",
		AutoSync: false,
		LocalDir: filepath.Join(t.TempDir(), AppName),
	}

	c, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open test kv: %v", err)
	}

	cleanup := func() {
		if err := c.Close(); err != nil {
			t.Logf("Warning: failed to close test database: %v", err)
		}
	}

	return c, cleanup
}
