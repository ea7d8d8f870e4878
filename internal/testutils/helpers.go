package testutils

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/patchwork/internal/router"
	"github.com/stretchr/testify/require"
)

// StartRouter runs a router for the duration of the test and waits for it to
// stop during cleanup.
func StartRouter(t *testing.T, opts ...router.Option) *router.Router {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	r := router.New(opts...)
	go func() { _ = r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
	return r
}

// WriteFile creates name with content in a fresh temporary directory and
// returns its path. It fails the test immediately on error.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "Failed to write %s", name)
	return path
}
