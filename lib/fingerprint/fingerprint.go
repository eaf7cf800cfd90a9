// Package fingerprint computes the content digests used for change
// detection across scrape runs. Digests are formatted as
// "sha256:<hex>" so the algorithm travels with the value.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const Prefix = "sha256:"

// Text hashes a string after trimming surrounding whitespace. Any
// semantic normalization (stripping signatures, collapsing markup)
// is the caller's job; this only guards against incidental leading
// and trailing whitespace differences.
func Text(s string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(s)))
	return Prefix + hex.EncodeToString(sum[:])
}

// Bytes hashes a byte slice as-is.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:])
}

// Reader hashes everything readable from r.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	_, err := io.Copy(h, r)
	if err != nil {
		return "", err
	}
	return Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// File hashes the contents of a file on disk, streaming so large
// downloads never need to fit in memory.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	defer f.Close()
	return Reader(f)
}
