// internal/attachments/path.go
package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const maxBaseNameLen = 64

// LocalPath computes the deterministic on-disk location for an attachment:
// root/table/record/field/name-hash8.ext. The hash is derived from the source
// URL, so the same URL always maps to the same file and distinct URLs
// practically never collide even when filenames repeat.
func LocalPath(root, table, recordID, field, filename, sourceURL string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = sanitizeSegment(base)
	if len(base) > maxBaseNameLen {
		base = base[:maxBaseNameLen]
	}
	if base == "" {
		base = "attachment"
	}
	ext = sanitizeSegment(ext)

	name := base + "-" + urlHash(sourceURL)
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return filepath.Join(root,
		sanitizeSegment(table),
		sanitizeSegment(recordID),
		sanitizeSegment(field),
		name,
	)
}

// sanitizeSegment strips everything outside [a-zA-Z0-9._-] so hostile
// filenames cannot traverse out of the storage root.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

func urlHash(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])[:8]
}
