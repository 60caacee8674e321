// Package testing provides testcontainers-based setup for integration
// tests. Containers are ephemeral and torn down through the returned
// cleanup function; tests using this package carry the integration build
// tag.
package testing

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// ContainerCleanup terminates a test container. Safe to call in defer even
// when setup failed.
type ContainerCleanup func()

func createCleanupFunc(ctx context.Context, container testcontainers.Container, containerType string) ContainerCleanup {
	return func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("Warning: failed to terminate %s container: %v\n", containerType, err)
		}
	}
}
