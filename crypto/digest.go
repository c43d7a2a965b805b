package crypto

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the length in bytes of a file digest.
const DigestSize = blake2b.Size256

// FileDigest returns the hex BLAKE2b-256 digest of the file at path.
func FileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for digest: %w", err)
	}
	defer file.Close()

	digest, err := ReaderDigest(file)
	if err != nil {
		return "", fmt.Errorf("digest %q: %w", path, err)
	}
	return digest, nil
}

// ReaderDigest returns the hex BLAKE2b-256 digest of everything read from r.
func ReaderDigest(r io.Reader) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("create blake2b hasher: %w", err)
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ShortDigest truncates a hex digest to its first 16 bytes.
func ShortDigest(digest string) string {
	if len(digest) <= 32 {
		return digest
	}
	return digest[:32]
}

// FormatDigest returns digest text grouped in chunks of 4 uppercase chars.
func FormatDigest(digest string) string {
	clean := strings.ToUpper(strings.ReplaceAll(digest, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
