// Package store provides content-addressed object storage for mirrored tile
// images. It is the persistence side of the image mirror (internal/mirror):
// callers write raw image bytes under a key, and a conditional "if not
// exists" put makes concurrent uploads of the same key idempotent.
package store

import "context"

// Store is the interface satisfied by an object storage backend. Reads are
// not part of this interface: mirrored objects are served to end users via
// a CDN in front of the bucket, never through this process (spec.md
// section 6, "Object store").
type Store interface {
	// Init prepares the backend (creates a bucket/root directory, applies
	// retention policy, etc). Called once at startup.
	Init(ctx context.Context) error

	// Exists reports whether an object is already present under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Put uploads body under key with the given content type, using an
	// if-not-exists precondition. created is false when another writer
	// already holds that key — the upload was skipped, not an error,
	// because mirrored keys are content-addressed and therefore identical
	// on conflict (spec.md section 4.C).
	Put(ctx context.Context, key string, body []byte, contentType string) (created bool, err error)
}
