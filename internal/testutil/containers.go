// Package testutil starts throwaway backing services for integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// startupTimeout is generous for CI environments pulling images cold.
const startupTimeout = 3 * time.Minute

// SkipIfShort skips container-backed tests under `go test -short`.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

// endpoint resolves host:port for the container, registering its cleanup.
func endpoint(t *testing.T, ctx context.Context, c testcontainers.Container, err error) string {
	t.Helper()
	t.Cleanup(func() {
		testcontainers.CleanupContainer(t, c)
	})
	require.NoError(t, err)

	ep, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return ep
}
