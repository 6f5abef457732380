package freeze

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Sternrassler/ilincs-freeze/pkg/export"
)

// VectorFileNames assigns an artifact name to every signature ID. IDs whose
// sanitized names collide with an earlier ID get a suffix derived from the
// SHA-256 of the raw ID, so no two IDs share a file.
func VectorFileNames(ids []string) map[string]string {
	names := make(map[string]string, len(ids))
	used := make(map[string]bool, len(ids))

	for _, id := range ids {
		if _, ok := names[id]; ok {
			continue
		}
		name := export.SignatureFileName(id)
		if used[name] {
			base := strings.TrimSuffix(name, ".csv")
			sum := sha256.Sum256([]byte(id))
			digest := hex.EncodeToString(sum[:])
			for n := 8; used[name] && n <= len(digest); n += 8 {
				name = base + "-" + digest[:n] + ".csv"
			}
		}
		used[name] = true
		names[id] = name
	}
	return names
}
