// Package blob stores source images and result previews. The contract is
// object-store shaped (Get/Put/Head with committed metadata) so the Postgres
// implementation can be swapped for a real object store without touching
// callers.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = errors.New("blob not found")

// Meta is the committed metadata of a stored blob.
type Meta struct {
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum"`
}

// Store is the blob collaborator contract.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Head(ctx context.Context, key string) (*Meta, error)
}
