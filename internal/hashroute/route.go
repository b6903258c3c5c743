package hashroute

import (
	"hash/fnv"
	"strings"
)

const DefaultPartitionCount = 16

// Canonicalize normalizes context and collection names so every lookup by
// name is case-insensitive.
func Canonicalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Join builds a composite lookup key from canonicalized parts.
func Join(parts ...string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = Canonicalize(p)
	}
	return strings.Join(out, "::")
}

func PartitionFor(name string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(Canonicalize(name)))
	return int(h.Sum64() % uint64(partitions))
}
