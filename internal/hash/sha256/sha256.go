// Package sha256 digests downloaded document bodies.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

var _ crawler.Hasher = Hasher{}

// Hasher is a crawler.Hasher producing lowercase hex SHA-256 digests.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash digests data. It never fails.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader digests r until EOF.
func (Hasher) HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("sha256: read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
