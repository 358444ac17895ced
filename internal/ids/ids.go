// Package ids generates the short prefixed identifiers used for grading
// tasks and stored images ("task-a1b2c3d4e5f6", "img-...", "single-...").
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// ShortUUID returns a UUID v4 with the hyphens removed.
func ShortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithPrefix returns "<prefix>-" plus the first 12 chars of a short UUID.
func WithPrefix(prefix string) string {
	return prefix + "-" + ShortUUID()[:12]
}
