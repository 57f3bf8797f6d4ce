// Package integrity checks files on disk against expected hex digests.
// Update bundles are verified with sha256 before they are handed to the
// host installer; md5 stays accepted for legacy sidecar files.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// FileVerifier compares files against expected digests.
type FileVerifier struct{}

func NewFileVerifier() *FileVerifier {
	return &FileVerifier{}
}

// Verify hashes the file with algo and compares against expected,
// case-insensitively. An empty expected digest is an error: callers must
// not treat "no checksum" as verified.
func (v *FileVerifier) Verify(path, algo, expected string) error {
	if expected == "" {
		return fmt.Errorf("no expected digest for %s", path)
	}
	actual, err := CalculateHash(path, algo)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("digest mismatch for %s: expected %s, got %s", path, expected, actual)
	}
	return nil
}

// CalculateHash streams the file through the named hash. Supported
// algorithms: "sha256" (the default when empty) and "md5".
func CalculateHash(path, algorithm string) (string, error) {
	var hasher hash.Hash
	switch algorithm {
	case "sha256", "":
		hasher = sha256.New()
	case "md5":
		hasher = md5.New()
	default:
		return "", fmt.Errorf("unsupported algorithm %q", algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
