package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashContent returns the hex sha256 of content plus any extra
// rendering-relevant metadata strings. The extras participate in the hash
// so that a change in rendering inputs invalidates cached outputs.
func HashContent(content []byte, extras ...string) string {
	h := sha256.New()
	h.Write(content)
	for _, e := range extras {
		h.Write([]byte{0})
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashFile returns the hex sha256 of a file's contents.
func HashFile(path string, extras ...string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	for _, e := range extras {
		h.Write([]byte{0})
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
