package debate

import "hash/fnv"

// SelectVariant deterministically assigns a prompt variant to a pair. The
// same (kind, pair id, variant list) always yields the same variant, so
// reruns and cache fingerprints stay stable. Returns "" when no variants
// are configured.
func SelectVariant(kind Kind, pairID string, variants []string) string {
	if len(variants) == 0 {
		return ""
	}
	if len(variants) == 1 {
		return variants[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(pairID))
	return variants[h.Sum32()%uint32(len(variants))]
}
