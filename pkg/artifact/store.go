// Package artifact uploads generated job outputs (package archives,
// scripts) to durable storage and returns download URLs for job results
// and notification emails.
package artifact

import (
	"context"
	"io"
)

// Store is the destination for generated artifacts. Put streams the
// content under the given key and returns a URL a client can download
// it from.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}
