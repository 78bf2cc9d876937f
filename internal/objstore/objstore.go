// Package objstore uploads rendered artifacts and returns their public URLs.
package objstore

import (
	"context"
	"strings"
)

// Uploader stores bytes under key and returns a URL subscribers can fetch.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// joinURL appends key to base with exactly one slash between them.
func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
