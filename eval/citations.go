package eval

import "strings"

// normalizeSourceID folds a citation source id to a comparison key by
// lowercasing it and trimming surrounding whitespace.
func normalizeSourceID(id string) string {
	return strings.TrimSpace(strings.ToLower(id))
}

// sourceIDSet builds a deduplicated set of normalized source ids, so
// case-insensitive duplicates collapse; ids that normalize to empty are
// skipped.
func sourceIDSet(ids []string) map[string]struct{} {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		key := normalizeSourceID(id)
		if key == "" {
			continue
		}
		seen[key] = struct{}{}
	}
	return seen
}

// missingSourceIDs returns the entries of required that are absent from got,
// compared case-insensitively, preserving required's original order/casing.
func missingSourceIDs(required []string, got map[string]struct{}) []string {
	var missing []string
	for _, r := range required {
		if _, ok := got[normalizeSourceID(r)]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}
