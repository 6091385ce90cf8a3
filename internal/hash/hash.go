package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix is the algorithm tag every ContentHash starts with.
// The format follows RFC 6920 "nih" naming: nih:<algorithm>;<hex digest>.
const Prefix = "nih:sha-256;"

// digestHexLen is the length of a hex-encoded SHA-256 digest.
const digestHexLen = sha256.Size * 2

// ErrInvalid is returned when a string is not a well-formed ContentHash.
var ErrInvalid = errors.New("invalid content hash")

// ContentHash is the content address of a blob.
//
// Two equal blobs always produce the same ContentHash. The zero value is
// not a valid hash; use IsZero to detect it.
type ContentHash string

// Of computes the ContentHash of data.
func Of(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash(Prefix + hex.EncodeToString(sum[:]))
}

// OfReader computes the ContentHash of everything read from r.
func OfReader(r io.Reader) (ContentHash, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash reader: %w", err)
	}
	return ContentHash(Prefix + hex.EncodeToString(h.Sum(nil))), nil
}

// Parse validates s and returns it as a ContentHash.
// Uppercase hex is accepted and normalized to lowercase.
func Parse(s string) (ContentHash, error) {
	if !strings.HasPrefix(s, Prefix) {
		return "", fmt.Errorf("%w: %q: missing %q prefix", ErrInvalid, s, Prefix)
	}
	digest := strings.ToLower(s[len(Prefix):])
	if len(digest) != digestHexLen {
		return "", fmt.Errorf("%w: %q: digest length %d, want %d", ErrInvalid, s, len(digest), digestHexLen)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	return ContentHash(Prefix + digest), nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or with constants known to be valid.
func MustParse(s string) ContentHash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the URI form of the hash.
func (h ContentHash) String() string {
	return string(h)
}

// Hex returns the bare hex digest without the algorithm prefix.
func (h ContentHash) Hex() string {
	return strings.TrimPrefix(string(h), Prefix)
}

// IsZero reports whether h is the empty hash.
func (h ContentHash) IsZero() bool {
	return h == ""
}

// Verify reports whether data hashes to h.
func (h ContentHash) Verify(data []byte) bool {
	return Of(data) == h
}

// Short returns an abbreviated digest for log output.
func (h ContentHash) Short() string {
	d := h.Hex()
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
