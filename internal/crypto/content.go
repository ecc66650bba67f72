package crypto

import (
	"crypto/md5" //nolint:gosec // identity key, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// ContentSum is the pair of independent digests identifying a file body.
type ContentSum struct {
	MD5    string
	SHA256 string
	Size   int64
}

// Matches reports whether the sum equals the given hex digests.
func (s ContentSum) Matches(md5Hex, sha256Hex string) bool {
	return s.MD5 == md5Hex && s.SHA256 == sha256Hex
}

// ContentHasher computes both identity digests over a single streamed pass.
type ContentHasher struct {
	md5    hash.Hash
	sha256 hash.Hash
	n      int64
}

// NewContentHasher returns an empty hasher.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{md5: md5.New(), sha256: sha256.New()} //nolint:gosec
}

// Write feeds p to both digests. It never fails.
func (h *ContentHasher) Write(p []byte) (int, error) {
	_, _ = h.md5.Write(p)
	_, _ = h.sha256.Write(p)
	h.n += int64(len(p))
	return len(p), nil
}

// Sum returns the digests of everything written so far.
func (h *ContentHasher) Sum() ContentSum {
	return ContentSum{
		MD5:    hex.EncodeToString(h.md5.Sum(nil)),
		SHA256: hex.EncodeToString(h.sha256.Sum(nil)),
		Size:   h.n,
	}
}

// HashReader drains r and returns its content sum.
func HashReader(r io.Reader) (ContentSum, error) {
	h := NewContentHasher()
	if _, err := io.Copy(h, r); err != nil {
		return ContentSum{}, err
	}
	return h.Sum(), nil
}
