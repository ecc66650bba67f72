// Package blobstore persists file bodies under keys derived from their content identity.
package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/and161185/capvault/internal/model"
)

// Store is a flat key/value body store. Keys come from Key.
type Store interface {
	String() string
	// Has reports whether a body exists under key.
	Has(ctx context.Context, key string) (bool, error)
	// Put writes the body. Readers see either nothing or the complete body.
	Put(ctx context.Context, key string, body io.ReadSeeker) error
	// Get opens the body. Missing keys yield errs.ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Key returns the storage location of an identity's body. The first 8 hex
// chars of the MD5 and the last 8 of the SHA-256 shard the namespace so no
// single directory grows unbounded.
func Key(f model.FileIdentity) string {
	md5 := f.HashMD5
	sha := f.HashSHA256
	if len(md5) < 8 || len(sha) < 8 {
		return fmt.Sprintf("short/%s-%s", md5, sha)
	}
	return fmt.Sprintf("%s/%s/%s-%s", md5[:8], sha[len(sha)-8:], md5, sha)
}
