// Package sha256 computes the content digests used for document dedup and
// paragraph identity.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/helpcenter-docstore/internal/content"
)

// Hasher implements docstore.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// HashText returns the lower-case hex SHA-256 of the whitespace-normalized
// text. Bodies that differ only in spacing or line breaks share a digest.
func (Hasher) HashText(text string) string {
	sum := sha256.Sum256([]byte(content.Normalize(text)))
	return hex.EncodeToString(sum[:])
}
