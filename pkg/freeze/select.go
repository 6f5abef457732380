package freeze

import "github.com/Sternrassler/ilincs-freeze/pkg/client"

// Signature metadata fields used for selection.
const (
	fieldLibraryID   = "libraryid"
	fieldSignatureID = "signatureid"
)

// SelectSignatureIDs returns the unique signature IDs of records whose
// library matches library, in first-seen order.
func SelectSignatureIDs(records []client.Record, library string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		lib, ok := rec.String(fieldLibraryID)
		if !ok || lib != library {
			continue
		}
		id, ok := rec.String(fieldSignatureID)
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
