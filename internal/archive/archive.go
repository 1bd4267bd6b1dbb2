// Package archive names revision snapshots. Backends live in subpackages and
// implement docstore.BlobStore.
package archive

import (
	"fmt"
	"strings"
)

// ContentType is the media type of every snapshot object.
const ContentType = "text/plain; charset=utf-8"

// SnapshotPath returns the object path for one revision body. Identical
// bodies of a firm share a path, so re-archiving is a harmless overwrite.
func SnapshotPath(prefix, firmID, digest string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.txt", firmID, digest)
	}
	return fmt.Sprintf("%s/%s/%s.txt", prefix, firmID, digest)
}
